package profile

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/yllada/vpn-profiles/common"
	"gopkg.in/yaml.v3"
)

// RecordVersion is the schema version written by Encode.
const RecordVersion = 1

// record is the on-disk schema of a profile record file.
type record struct {
	Version int    `yaml:"version"`
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	State   string `yaml:"state"`
	Config  string `yaml:"config,omitempty"`
}

// Encode serializes p into the current record schema.
func Encode(p *Profile) ([]byte, error) {
	state := p.State
	if state == StateCancelled {
		state = StateIdle
	}
	r := record{
		Version: RecordVersion,
		ID:      p.ID,
		Name:    p.Name,
		Type:    string(p.Type),
		State:   state.String(),
	}
	if len(p.Config) > 0 {
		r.Config = base64.StdEncoding.EncodeToString(p.Config)
	}

	data, err := yaml.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize profile %s: %w", p.ID, err)
	}
	return data, nil
}

// Decode parses a record file. Unknown fields and unknown versions are
// rejected rather than guessed at.
func Decode(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidProfile, err)
	}

	if r.Version != RecordVersion {
		return nil, fmt.Errorf("%w: %d", common.ErrUnsupportedVersion, r.Version)
	}

	t, err := ParseType(r.Type)
	if err != nil {
		return nil, err
	}

	state, err := ParseState(r.State)
	if err != nil {
		return nil, err
	}
	if state == StateCancelled {
		state = StateIdle
	}

	var cfg []byte
	if r.Config != "" {
		cfg, err = base64.StdEncoding.DecodeString(r.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: config payload: %v", common.ErrInvalidProfile, err)
		}
	}

	p := &Profile{
		ID:     r.ID,
		Name:   r.Name,
		Type:   t,
		Config: cfg,
		State:  state,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
