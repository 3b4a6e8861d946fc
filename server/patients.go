package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"scribe/patient"
)

const (
	detailMRNExists = "Patient with this MRN already exists"
	detailNotFound  = "Patient not found"
)

func (s *Server) patientError(err error) error {
	switch {
	case errors.Is(err, patient.ErrMRNExists):
		return echo.NewHTTPError(http.StatusBadRequest, detailMRNExists)
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, detailNotFound)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "Error accessing patients: "+err.Error())
}

func (s *Server) listPatients(c echo.Context) error {
	ps, err := s.patients.List(c.Request().Context())
	if err != nil {
		return s.patientError(err)
	}
	if ps == nil {
		ps = []patient.Patient{}
	}
	return c.JSON(http.StatusOK, ps)
}

func (s *Server) createPatient(c echo.Context) error {
	var req patient.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	p, err := s.patients.Create(c.Request().Context(), req)
	if err != nil {
		return s.patientError(err)
	}
	s.metrics.PatientsCreated.Inc()
	return c.JSON(http.StatusOK, p)
}

func (s *Server) getPatient(c echo.Context) error {
	p, err := s.patients.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.patientError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) updatePatient(c echo.Context) error {
	var req patient.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	p, err := s.patients.Update(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return s.patientError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) deletePatient(c echo.Context) error {
	if err := s.patients.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.patientError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Patient deleted successfully"})
}
