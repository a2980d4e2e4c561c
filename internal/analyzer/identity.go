package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Identity names the analyzer configuration that would serve an owner right
// now. Two results are interchangeable only when their Keys are equal.
type Identity struct {
	// Producer is the Result.Analyzer label this configuration yields.
	Producer string
	// Key is Producer plus every setting that changes the output.
	Key string
}

// Identifier is implemented by analyzers whose output depends on per-owner
// settings such as the active model or prompt.
type Identifier interface {
	Identify(owner string) (Identity, error)
}

// IdentityOf asks a for its Identity; plain analyzers are identified by name.
func IdentityOf(a TextAnalyzer, owner string) (Identity, error) {
	if a == nil {
		return Identity{}, errors.New("analyzer: no analyzer configured")
	}
	if id, ok := a.(Identifier); ok {
		return id.Identify(owner)
	}
	name := a.Name()
	return Identity{Producer: name, Key: name}, nil
}

// Identify forwards to the wrapped analyzer.
func (s *Safe) Identify(owner string) (Identity, error) {
	return IdentityOf(s.inner, owner)
}

// Identify reports the secondary's identity when the primary would fall back.
func (f *Fallback) Identify(owner string) (Identity, error) {
	id, err := IdentityOf(f.primary, owner)
	if err != nil && errors.Is(err, ErrUnconfigured) && f.secondary != nil {
		return IdentityOf(f.secondary, owner)
	}
	return id, err
}

// Identify covers the endpoint, the model and the exact prompt text.
func (a *LLM) Identify(owner string) (Identity, error) {
	cfg, err := a.endpointFor(owner)
	if err != nil {
		return Identity{}, err
	}
	prompt, err := a.promptFor(owner)
	if err != nil {
		return Identity{}, err
	}
	producer := a.label(cfg)
	sum := sha256.Sum256([]byte(cfg.BaseURL + "\x00" + prompt))
	return Identity{Producer: producer, Key: producer + "#" + hex.EncodeToString(sum[:8])}, nil
}
