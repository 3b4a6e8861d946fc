package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"scribe/clinical"
	"scribe/config"
	"scribe/result"
)

type noteFlags struct {
	transcript string
	documents  string
	notes      string
	json       bool
	extractor  string
}

func newNoteCmd(rf *rootFlags) *cobra.Command {
	nf := &noteFlags{}
	cmd := &cobra.Command{
		Use:   "note [transcript]",
		Short: "Generate a clinical note from a transcript, documents and doctor's notes",
		Long: "Generate a clinical note from up to three sources. Each flag takes the\n" +
			"text itself or @path to read it from a file. A positional argument is\n" +
			"used as the recorded transcript.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && nf.transcript == "" {
				nf.transcript = args[0]
			}
			src, err := nf.sources()
			if err != nil {
				return err
			}
			if src.Empty() {
				fmt.Fprintln(cmd.ErrOrStderr(), `Usage: scribe note "medical transcript here" [--uploadedDocuments @labs.txt] [--doctorNotes "..."]`)
				return exitError{1}
			}

			cfg, err := config.LoadFile(rf.envFile)
			if err != nil {
				return err
			}
			ex, err := buildExtractor(cfg, nf.extractor)
			if err != nil {
				return err
			}
			if err := generateNote(cmd.Context(), ex, src, nf.json, cmd.OutOrStdout()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Failed to generate note: %v\n", err)
				return exitError{1}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&nf.transcript, "recordedTranscript", "", "conversational transcript of the visit")
	f.StringVar(&nf.documents, "uploadedDocuments", "", "text of labs, past records and other documents")
	f.StringVar(&nf.notes, "doctorNotes", "", "the physician's own notes or orders")
	f.BoolVar(&nf.json, "json", false, "print the result bundle as JSON")
	f.StringVar(&nf.extractor, "extractor", "auto", "note extractor: llm, regex or auto")
	return cmd
}

func (nf *noteFlags) sources() (clinical.Sources, error) {
	var src clinical.Sources
	for _, p := range []struct {
		val string
		dst *string
	}{
		{nf.transcript, &src.RecordedTranscript},
		{nf.documents, &src.UploadedDocuments},
		{nf.notes, &src.DoctorNotes},
	} {
		v, err := clinical.ReadArg(p.val)
		if err != nil {
			return src, err
		}
		*p.dst = v
	}
	return src, nil
}

func buildExtractor(cfg *config.Config, name string) (clinical.Extractor, error) {
	billing, err := clinical.LoadBillingTable(cfg.BillingCodesPath)
	if err != nil {
		return nil, err
	}
	var llm *clinical.LLMExtractor
	if cfg.OpenAIAPIKey != "" && name != "regex" {
		llm, err = clinical.NewLLMExtractor(clinical.LLMConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Billing: billing,
		})
		if err != nil {
			return nil, err
		}
	}
	return clinical.New(name, llm, billing)
}

func generateNote(ctx context.Context, ex clinical.Extractor, src clinical.Sources, asJSON bool, w io.Writer) error {
	if src.Empty() {
		return clinical.ErrNoInput
	}
	b, err := ex.Extract(ctx, src)
	if err != nil {
		return err
	}
	if b.SOAPNote == clinical.ErrorNote {
		return errors.New("the extractor returned an error note")
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	printBundle(w, b)
	return nil
}

func printBundle(w io.Writer, b result.Bundle) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(w, "Generated SOAP Note:")
	fmt.Fprintln(w, rule)
	if s, ok := result.Split(b.SOAPNote); ok {
		fmt.Fprintln(w, s.Format())
	} else {
		fmt.Fprintln(w, b.SOAPNote)
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Diagnosis: %s\n", b.Diagnosis)
	fmt.Fprintf(w, "Billing:   %s (%s)\n", b.BillingCode.Code, b.BillingCode.Description)
	if len(b.Prescriptions) > 0 {
		fmt.Fprintln(w, "Prescriptions:")
		for _, p := range b.Prescriptions {
			fmt.Fprintf(w, "  - %s\n", prescriptionLine(p))
		}
	}
	if len(b.LabOrders) > 0 {
		fmt.Fprintln(w, "Lab orders:")
		for _, l := range b.LabOrders {
			fmt.Fprintf(w, "  - %s\n", l)
		}
	}
}

func prescriptionLine(p result.Prescription) string {
	parts := []string{p.Medication}
	for _, s := range []string{p.Dosage, p.Frequency, p.Duration} {
		if s != "" && s != result.NotSpecified {
			parts = append(parts, s)
		}
	}
	line := strings.Join(parts, ", ")
	if p.Instructions != "" && p.Instructions != result.NotSpecified {
		line += " (" + p.Instructions + ")"
	}
	return line
}
