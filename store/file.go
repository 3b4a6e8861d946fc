package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"scribe/log"
)

// File persists every key in one JSON document. Writes go to a temp file in
// the same directory and are renamed into place. The directory is watched
// so edits from another process reach this process's subscribers.
type File struct {
	path string

	mu     sync.Mutex
	values map[string]json.RawMessage
	hub    hub

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// OpenFile loads path (a missing file is an empty store) and starts
// watching it.
func OpenFile(path string) (*File, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating directory: %w", err)
	}

	f := &File{path: path, done: make(chan struct{})}
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	f.values = values

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: starting watcher: %w", err)
	}
	// Watch the directory: rename replaces the inode, which drops a
	// watch placed on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("store: watching %s: %w", filepath.Dir(path), err)
	}
	f.watcher = w
	go f.watch()
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", f.path, err)
	}
	return f.parse(data)
}

func (f *File) parse(data []byte) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("store: parsing %s: %w", f.path, err)
	}
	return values, nil
}

func (f *File) Get(key string, dst any) (bool, error) {
	f.mu.Lock()
	raw, ok := f.values[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, decode(key, raw, dst)
}

func (f *File) Set(key string, v any) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	prev, had := f.values[key]
	f.values[key] = raw
	err = f.persist()
	if err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.hub.publish(key, raw)
	return nil
}

// persist writes the whole document. Callers hold f.mu.
func (f *File) persist() error {
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".scribe-store-*")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: syncing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("store: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("store: replacing %s: %w", f.path, err)
	}
	return nil
}

func (f *File) Subscribe(key string, fn func(json.RawMessage)) func() {
	return f.hub.subscribe(key, fn)
}

func (f *File) watch() {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				f.reload()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("store: watcher: %v", err)
		}
	}
}

// reload re-reads the file and notifies subscribers of keys whose value
// differs from memory. Our own writes produce no difference. A removed key
// is published as a nil value.
func (f *File) reload() {
	type change struct {
		key string
		raw json.RawMessage
	}
	var changes []change

	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		// Removed, or truncated by a writer that is not done yet.
		f.mu.Unlock()
		return
	}
	values, err := f.parse(data)
	if err != nil {
		f.mu.Unlock()
		// Another writer may be midway; the next event retries.
		log.Warnf("%v", err)
		return
	}
	for k, raw := range values {
		if old, ok := f.values[k]; !ok || !jsonEqual(old, raw) {
			changes = append(changes, change{k, raw})
		}
	}
	for k := range f.values {
		if _, ok := values[k]; !ok {
			changes = append(changes, change{k, nil})
		}
	}
	f.values = values
	f.mu.Unlock()

	for _, c := range changes {
		f.hub.publish(c.key, c.raw)
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func (f *File) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.watcher.Close()
	})
	return err
}
