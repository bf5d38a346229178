package robot

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/nerrad567/graybot-core/internal/device"
)

//go:embed models
var embeddedModels embed.FS

// Models returns the built-in device model tables, laid out as
// <kind>/<model>.yml.
func Models() fs.FS {
	sub, err := fs.Sub(embeddedModels, "models")
	if err != nil {
		panic(err) // the embed directive guarantees the directory
	}
	return sub
}

// Model is a device register table.
type Model struct {
	// Protocol is the protocol version the device speaks, if any.
	Protocol  string        `yaml:"protocol"`
	Registers []RegisterDef `yaml:"registers"`
}

// LoadModel reads the register table for a device kind and model.
//
// Parameters:
//   - models: Model tables, laid out as <kind>/<model>.yml
//   - kind: Device kind
//   - model: Model name, e.g. "AX-12A"
//
// Returns:
//   - *Model: Decoded table
//   - error: ErrUnknownModel, or a decode failure
func LoadModel(models fs.FS, kind, model string) (*Model, error) {
	p := path.Join(kind, model+".yml")
	data, err := fs.ReadFile(models, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownModel, kind, model)
	}
	if err != nil {
		return nil, fmt.Errorf("reading model %s: %w", p, err)
	}
	var m Model
	if err := decodeStrict(data, &m); err != nil {
		return nil, fmt.Errorf("%w: model %s: %w", ErrInvalidDefinition, p, err)
	}
	return &m, nil
}

// Spec converts a register row into a device.RegisterSpec.
func (r RegisterDef) Spec() (device.RegisterSpec, error) {
	access, err := device.ParseAccess(r.Access)
	if err != nil {
		return device.RegisterSpec{}, fmt.Errorf("register %s: %w", r.Name, err)
	}
	return device.RegisterSpec{
		Name:      r.Name,
		Address:   r.Address,
		Size:      r.Size,
		Access:    access,
		Kind:      device.Kind(r.Kind),
		Sync:      r.Sync,
		Min:       r.Min,
		Max:       r.Max,
		Default:   r.Default,
		Factor:    r.Factor,
		Offset:    r.Offset,
		Threshold: r.Threshold,
	}, nil
}
