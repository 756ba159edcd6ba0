package verify

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// MatchState classifies the locally downloaded file set of one program type
// against the vendor's canonical path set. Matched requires local files to
// be present and to cover every canonical path (superset rule); Mismatched
// means canonical paths are missing locally.
type MatchState int

const (
	StateAbsent MatchState = iota
	StateMatched
	StateMismatched
)

func (s MatchState) String() string {
	switch s {
	case StateMatched:
		return "matched"
	case StateMismatched:
		return "mismatched"
	default:
		return "absent"
	}
}

// Code is the verification outcome grammar: local AT/ET match states crossed
// with HESS (canonical manifest) presence per side.
type Code struct {
	AT     MatchState
	ET     MatchState
	HessAT bool
	HessET bool
}

func presence(b bool) string {
	if b {
		return "present"
	}
	return "absent"
}

func (c Code) String() string {
	return fmt.Sprintf("AT:%s/ET:%s/HESS-AT:%s/HESS-ET:%s",
		c.AT, c.ET, presence(c.HessAT), presence(c.HessET))
}

// Describe renders the human-readable form stored on the record.
func (c Code) Describe() string {
	return fmt.Sprintf("AT %s / ET %s / HESS-AT %s / HESS-ET %s",
		c.AT, c.ET, presence(c.HessAT), presence(c.HessET))
}

// acceptTable enumerates every accepted code. Anything not listed is a
// rejection. The rule behind the entries: at least one HESS side must be
// declared, and every declared side must be Matched locally. A historical
// accept-with-mismatch combination was deliberately not carried over.
var acceptTable = map[Code]bool{
	{AT: StateMatched, ET: StateMatched, HessAT: true, HessET: true}:  true,
	{AT: StateMatched, ET: StateAbsent, HessAT: true, HessET: false}:  true,
	{AT: StateMatched, ET: StateMatched, HessAT: true, HessET: false}: true,
	{AT: StateAbsent, ET: StateMatched, HessAT: false, HessET: true}:  true,
	{AT: StateMatched, ET: StateMatched, HessAT: false, HessET: true}: true,
}

// Accepted reports the binary decision for a code.
func (c Code) Accepted() bool { return acceptTable[c] }

// Reason distinguishes rejections that never reach the accept table.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonNoData  Reason = "no local files and no canonical paths"
	ReasonArchive Reason = "program archive could not be validated"
)

// Result is the full verification outcome for a draft.
type Result struct {
	Code        Code
	Accepted    bool
	Reason      Reason
	Description string
}

// Config controls how local files are classified per program type.
type Config struct {
	ATExtensions []string
	ETExtensions []string
}

// DefaultConfig mirrors the test-floor file conventions: AT programs arrive
// as archives or pattern binaries, ET programs as test-setup files.
func DefaultConfig() Config {
	return Config{
		ATExtensions: []string{".zip", ".pat", ".avc", ".bin"},
		ETExtensions: []string{".tsf", ".vec", ".set"},
	}
}

// Engine evaluates drafts. It is stateless; the same inputs always yield the
// same Result.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if len(cfg.ATExtensions) == 0 && len(cfg.ETExtensions) == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// Evaluate runs the decision over an already-gathered local file set and the
// canonical path sets per program type.
func (e *Engine) Evaluate(localFiles, canonicalAT, canonicalET []string) Result {
	localAT := filterByExt(localFiles, e.cfg.ATExtensions)
	localET := filterByExt(localFiles, e.cfg.ETExtensions)

	code := Code{
		AT:     classify(localAT, canonicalAT),
		ET:     classify(localET, canonicalET),
		HessAT: len(canonicalAT) > 0,
		HessET: len(canonicalET) > 0,
	}
	if code.AT == StateAbsent && code.ET == StateAbsent && !code.HessAT && !code.HessET {
		return Result{
			Code:        code,
			Accepted:    false,
			Reason:      ReasonNoData,
			Description: string(ReasonNoData),
		}
	}
	return Result{
		Code:        code,
		Accepted:    code.Accepted(),
		Description: code.Describe(),
	}
}

// RejectArchive is the engine outcome for a draft whose referenced archive
// failed validation; path comparison is never attempted.
func (e *Engine) RejectArchive(detail error) Result {
	desc := string(ReasonArchive)
	if detail != nil {
		desc = fmt.Sprintf("%s: %v", ReasonArchive, detail)
	}
	return Result{Accepted: false, Reason: ReasonArchive, Description: desc}
}

// classify compares one program type's local files against its canonical
// paths. Matched when every canonical path is covered by some local path
// (superset rule); extra local files never hurt.
func classify(local, canonical []string) MatchState {
	if len(local) == 0 {
		return StateAbsent
	}
	if len(canonical) == 0 {
		return StateMatched
	}
	locals := make([]string, 0, len(local))
	for _, p := range local {
		locals = append(locals, NormalizePath(p))
	}
	for _, c := range canonical {
		if !covered(locals, NormalizePath(c)) {
			return StateMismatched
		}
	}
	return StateMatched
}

// covered reports whether want is found in the local set. Local paths carry
// the full download-root prefix, so a suffix match against the canonical
// path is accepted alongside exact equality.
func covered(locals []string, want string) bool {
	for _, l := range locals {
		if l == want || strings.HasSuffix(l, want) {
			return true
		}
	}
	return false
}

// NormalizePath folds separators and case so vendor-declared Windows-style
// paths compare against local unix paths.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.ToLower(p)
}

func filterByExt(files, exts []string) []string {
	if len(exts) == 0 {
		return nil
	}
	out := make([]string, 0)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		for _, e := range exts {
			if ext == e {
				out = append(out, f)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
