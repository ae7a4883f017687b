package model

import (
	"fmt"
	"strings"
)

// Persona is the assistant tone used when phrasing feedback. It never affects scoring.
type Persona uint8

const (
	PersonaSupportive Persona = iota
	PersonaAnalytical
	PersonaMotivational
)

// PersonaInfo is the fixed data associated with a persona.
type PersonaInfo struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Icon  string `json:"icon"`
	// Tone is the instruction appended to evaluation prompts.
	Tone string `json:"-"`
}

var personaTable = [...]PersonaInfo{
	PersonaSupportive: {
		Key:   "supportive",
		Label: "Supportive Mentor",
		Icon:  "🤗",
		Tone:  "Be warm and encouraging. Acknowledge what the learner got right before pointing out gaps.",
	},
	PersonaAnalytical: {
		Key:   "analytical",
		Label: "Analytical Expert",
		Icon:  "🧠",
		Tone:  "Be precise and technical. Point out exact errors and missing details without softening.",
	},
	PersonaMotivational: {
		Key:   "motivational",
		Label: "Motivational Coach",
		Icon:  "🚀",
		Tone:  "Be energetic and forward-looking. Frame gaps as the next thing to master.",
	},
}

// Personas returns all personas in display order.
func Personas() []Persona {
	out := make([]Persona, len(personaTable))
	for i := range personaTable {
		out[i] = Persona(i)
	}
	return out
}

// Valid reports whether p is one of the defined personas.
func (p Persona) Valid() bool {
	return int(p) < len(personaTable)
}

// Info returns the table entry for p. Invalid values get the supportive entry.
func (p Persona) Info() PersonaInfo {
	if !p.Valid() {
		return personaTable[PersonaSupportive]
	}
	return personaTable[p]
}

func (p Persona) String() string {
	return p.Info().Key
}

// ParsePersona converts a persona key to a Persona. Empty input maps to supportive.
func ParsePersona(s string) (Persona, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return PersonaSupportive, nil
	}
	for i, info := range personaTable {
		if info.Key == key {
			return Persona(i), nil
		}
	}
	return 0, fmt.Errorf("unknown persona %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Persona) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid persona %d", p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Persona) UnmarshalText(text []byte) error {
	v, err := ParsePersona(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
