package domain

import (
	"errors"
	"strings"
)

const MaxLanguageLen = 16

var (
	ErrLanguageEmpty   = errors.New("language empty")
	ErrLanguageTooLong = errors.New("language too long")
)

// Languages is the translation pair a participant listens with.
type Languages struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NewLanguages validates both codes and normalises them to lower case.
func NewLanguages(source, target string) (Languages, error) {
	src, err := normaliseLanguage(source)
	if err != nil {
		return Languages{}, err
	}
	tgt, err := normaliseLanguage(target)
	if err != nil {
		return Languages{}, err
	}
	return Languages{Source: src, Target: tgt}, nil
}

// Or fills empty fields from def.
func (l Languages) Or(def Languages) Languages {
	if l.Source == "" {
		l.Source = def.Source
	}
	if l.Target == "" {
		l.Target = def.Target
	}
	return l
}

func normaliseLanguage(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) == 0 {
		return "", ErrLanguageEmpty
	}
	if len(code) > MaxLanguageLen {
		return "", ErrLanguageTooLong
	}
	return code, nil
}
