package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

const DefaultRegistryFile = "devices.json"

type Entry struct {
	Key     string
	Options Options
}

// Registry is the device list in document order. It is not modified after
// loading.
type Registry struct {
	entries []Entry
	index   map[string]int
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Lookup(key string) (Options, bool) {
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.entries[i].Options, true
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected `%v', got `%v'", want, tok)
	}

	return nil
}

// DecodeRegistry reads a JSON object of device records keeping the key order.
// A repeated key replaces the earlier record in place.
func DecodeRegistry(r io.Reader) (*Registry, error) {
	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("registry: %v", err)
	}

	reg := Registry{
		index: make(map[string]int),
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("registry: %v", err)
		}

		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("registry: unexpected token `%v'", tok)
		}

		var opts Options
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("registry: device `%s': %v", key, err)
		}

		if opts == nil {
			return nil, fmt.Errorf("registry: device `%s' is not an object", key)
		}

		if i, ok := reg.index[key]; ok {
			reg.entries[i].Options = opts
			continue
		}

		reg.index[key] = len(reg.entries)
		reg.entries = append(reg.entries, Entry{Key: key, Options: opts})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, fmt.Errorf("registry: %v", err)
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("registry: trailing data")
	}

	return &reg, nil
}

func LoadRegistry(name string) (*Registry, error) {
	fd, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	return DecodeRegistry(fd)
}
