// Package config is a hand-written key/value line parser for the flat
// text configuration file spec.md §6 specifies: `key = value` lines,
// `#` comments, blank lines ignored. No YAML/TOML library is used
// because the wire format is fixed by spec.md to plain key/value text,
// in the style of go/r3dr's explicit-struct, no-library config reader.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Error kinds, matching spec.md §7's configuration-error taxonomy:
// reported and the program terminates before any allocation.
var (
	ErrMissingKey  = errors.New("config: missing required key")
	ErrUnknownEnum = errors.New("config: unknown enum value")
	ErrOutOfRange  = errors.New("config: value out of range")
	ErrNotFound    = errors.New("config: file not found")
	ErrSyntax      = errors.New("config: malformed line")
)

// Error wraps a short reason with one of the sentinel Err* values so
// callers can distinguish configuration-error categories with
// errors.Is, per SPEC_FULL.md §7 ADD.
type Error struct {
	Key    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config: %s (%s): %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Raw is the parsed key/value map before type-specific validation.
type Raw map[string]string

// Parse reads a config file at path into a Raw map. Unknown keys are
// kept (cmd/pintrain only reads the keys it recognises); duplicate
// keys overwrite earlier values, last one wins.
func Parse(path string) (Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Reason: "file not found: " + path, Err: ErrNotFound}
		}
		return nil, &Error{Reason: "cannot open " + path, Err: err}
	}
	defer f.Close()

	raw := make(Raw)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, &Error{Reason: fmt.Sprintf("line %d has no '='", lineNo), Err: ErrSyntax}
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return nil, &Error{Reason: fmt.Sprintf("line %d has empty key", lineNo), Err: ErrSyntax}
		}
		raw[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Reason: "reading " + path, Err: err}
	}
	return raw, nil
}

func (r Raw) requireString(key string) (string, error) {
	v, ok := r[key]
	if !ok || v == "" {
		return "", &Error{Key: key, Reason: "required key missing", Err: ErrMissingKey}
	}
	return v, nil
}

func (r Raw) intOr(key string, def int) (int, error) {
	v, ok := r[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &Error{Key: key, Reason: "not an integer", Err: err}
	}
	return n, nil
}

func (r Raw) floatOr(key string, def float64) (float64, error) {
	v, ok := r[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &Error{Key: key, Reason: "not a number", Err: err}
	}
	return f, nil
}

func (r Raw) stringOr(key, def string) string {
	if v, ok := r[key]; ok && v != "" {
		return v
	}
	return def
}

// Config holds every recognised key from spec.md §6's table, typed
// and range-checked by Validate.
type Config struct {
	NTraining, NValidation          int
	NFeatures, NClasses, NChannels  int
	NLayers                         int
	T                                float64
	Activation                       string
	NetworkType                      string
	TypeOpenLayer                    string
	GammaTik, GammaDdt, GammaClass   float64
	WeightsInit, WeightsOpenInit     float64
	WeightsClassInit                 float64
	Stepsize, GTol                   float64
	OptimMaxIter, LSMaxIter          int
	LSFactor, LSParam                float64
	HessianApprox                    string
	LBFGSStages                      int
	BraidMaxLevels                   int
	BraidCFactor, BraidCFactor0      int
	BraidMaxIter                     int
	BraidAbsTol, BraidAdjTol         float64
	BraidPrintLevel, BraidAccessLevel int
	BraidSetSkip                     int
	BraidFMG                         int
	BraidNRelax, BraidNRelax0        int
	ValidationLevel                  int
	DataFolder                       string
	FTrainEx, FTrainLabels           string
	FValEx, FValLabels               string
	WeightsOpenFile, WeightsClassFile string
}

// Load parses path and validates every recognised key, applying the
// defaults the rest of this repository assumes when a key is absent.
func Load(path string) (Config, error) {
	raw, err := Parse(path)
	if err != nil {
		return Config{}, err
	}
	return fromRaw(raw)
}

func fromRaw(raw Raw) (Config, error) {
	var c Config
	var err error

	if c.NTraining, err = raw.intOr("ntraining", 0); err != nil {
		return c, err
	}
	if c.NValidation, err = raw.intOr("nvalidation", 0); err != nil {
		return c, err
	}
	if c.NFeatures, err = raw.intOr("nfeatures", 0); err != nil {
		return c, err
	}
	if c.NClasses, err = raw.intOr("nclasses", 0); err != nil {
		return c, err
	}
	if c.NChannels, err = raw.intOr("nchannels", 0); err != nil {
		return c, err
	}
	if c.NLayers, err = raw.intOr("nlayers", 0); err != nil {
		return c, err
	}
	if c.T, err = raw.floatOr("T", 1.0); err != nil {
		return c, err
	}
	c.Activation = raw.stringOr("activation", "tanh")
	c.NetworkType = raw.stringOr("network_type", "dense")
	c.TypeOpenLayer = raw.stringOr("type_openlayer", "replicate")

	if c.GammaTik, err = raw.floatOr("gamma_tik", 0); err != nil {
		return c, err
	}
	if c.GammaDdt, err = raw.floatOr("gamma_ddt", 0); err != nil {
		return c, err
	}
	if c.GammaClass, err = raw.floatOr("gamma_class", 0); err != nil {
		return c, err
	}
	if c.WeightsInit, err = raw.floatOr("weights_init", 0.01); err != nil {
		return c, err
	}
	if c.WeightsOpenInit, err = raw.floatOr("weights_open_init", 0.01); err != nil {
		return c, err
	}
	if c.WeightsClassInit, err = raw.floatOr("weights_class_init", 0.01); err != nil {
		return c, err
	}
	if c.Stepsize, err = raw.floatOr("stepsize", 1.0); err != nil {
		return c, err
	}
	if c.GTol, err = raw.floatOr("gtol", 1e-6); err != nil {
		return c, err
	}
	if c.OptimMaxIter, err = raw.intOr("optim_maxiter", 100); err != nil {
		return c, err
	}
	if c.LSMaxIter, err = raw.intOr("ls_maxiter", 20); err != nil {
		return c, err
	}
	if c.LSFactor, err = raw.floatOr("ls_factor", 0.5); err != nil {
		return c, err
	}
	if c.LSParam, err = raw.floatOr("ls_param", 1e-4); err != nil {
		return c, err
	}
	c.HessianApprox = raw.stringOr("hessian_approx", "L-BFGS")
	if c.LBFGSStages, err = raw.intOr("lbfgs_stages", 10); err != nil {
		return c, err
	}

	if c.BraidMaxLevels, err = raw.intOr("braid_maxlevels", 1); err != nil {
		return c, err
	}
	if c.BraidCFactor, err = raw.intOr("braid_cfactor", 2); err != nil {
		return c, err
	}
	if c.BraidCFactor0, err = raw.intOr("braid_cfactor0", 2); err != nil {
		return c, err
	}
	if c.BraidMaxIter, err = raw.intOr("braid_maxiter", 1); err != nil {
		return c, err
	}
	if c.BraidAbsTol, err = raw.floatOr("braid_abstol", 1e-9); err != nil {
		return c, err
	}
	if c.BraidAdjTol, err = raw.floatOr("braid_adjtol", 1e-9); err != nil {
		return c, err
	}
	if c.BraidPrintLevel, err = raw.intOr("braid_printlevel", 1); err != nil {
		return c, err
	}
	if c.BraidAccessLevel, err = raw.intOr("braid_accesslevel", 1); err != nil {
		return c, err
	}
	if c.BraidSetSkip, err = raw.intOr("braid_setskip", 0); err != nil {
		return c, err
	}
	if c.BraidFMG, err = raw.intOr("braid_fmg", 0); err != nil {
		return c, err
	}
	if c.BraidNRelax, err = raw.intOr("braid_nrelax", 1); err != nil {
		return c, err
	}
	if c.BraidNRelax0, err = raw.intOr("braid_nrelax0", 1); err != nil {
		return c, err
	}
	if c.ValidationLevel, err = raw.intOr("validationlevel", 1); err != nil {
		return c, err
	}

	c.DataFolder = raw.stringOr("datafolder", ".")
	c.FTrainEx = raw.stringOr("ftrain_ex", "")
	c.FTrainLabels = raw.stringOr("ftrain_labels", "")
	c.FValEx = raw.stringOr("fval_ex", "")
	c.FValLabels = raw.stringOr("fval_labels", "")
	c.WeightsOpenFile = raw.stringOr("weightsopenfile", "")
	c.WeightsClassFile = raw.stringOr("weightsclassificationfile", "")

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate applies spec.md §6's cross-key range checks: nfeatures <=
// nchannels, nclasses <= nchannels, nlayers >= 3, and enum membership
// for activation/network_type/type_openlayer/hessian_approx. braid_*
// keys beyond braid_maxlevels=1 are rejected — SPEC_FULL.md §4 ADD:
// this repository's driver implements only the degenerate single-level
// case, so requesting true multilevel MGRIT is a configuration error
// rather than a silently-ignored option.
func (c Config) Validate() error {
	if c.NLayers < 3 {
		return &Error{Key: "nlayers", Reason: fmt.Sprintf("must be >= 3, got %d", c.NLayers), Err: ErrOutOfRange}
	}
	if c.NFeatures > c.NChannels {
		return &Error{Key: "nfeatures", Reason: fmt.Sprintf("nfeatures (%d) must be <= nchannels (%d)", c.NFeatures, c.NChannels), Err: ErrOutOfRange}
	}
	if c.NClasses > c.NChannels {
		return &Error{Key: "nclasses", Reason: fmt.Sprintf("nclasses (%d) must be <= nchannels (%d)", c.NClasses, c.NChannels), Err: ErrOutOfRange}
	}
	switch c.Activation {
	case "tanh", "ReLu", "SmoothReLu":
	default:
		return &Error{Key: "activation", Reason: c.Activation, Err: ErrUnknownEnum}
	}
	switch c.NetworkType {
	case "dense", "convolutional":
	default:
		return &Error{Key: "network_type", Reason: c.NetworkType, Err: ErrUnknownEnum}
	}
	switch c.TypeOpenLayer {
	case "replicate", "activate":
	default:
		return &Error{Key: "type_openlayer", Reason: c.TypeOpenLayer, Err: ErrUnknownEnum}
	}
	switch c.HessianApprox {
	case "BFGS", "L-BFGS", "Identity":
	default:
		return &Error{Key: "hessian_approx", Reason: c.HessianApprox, Err: ErrUnknownEnum}
	}
	if c.BraidMaxLevels != 1 {
		return &Error{Key: "braid_maxlevels", Reason: "only single-level MGRIT (braid_maxlevels=1) is implemented", Err: ErrOutOfRange}
	}
	return nil
}

// Dt returns the default per-hidden-layer time step T/(nlayers-2),
// matching spec.md §6's "nlayers | sets default dt".
func (c Config) Dt() float64 {
	if c.NLayers <= 2 {
		return 0
	}
	return c.T / float64(c.NLayers-2)
}
