package irc

import (
	"fmt"
	"reflect"
)

// UserMode represents the user modes for an IRC client. The supported set
// is closed: i (invisible), o (server operator), w (wallops).
type UserMode struct {
	Invisible bool `mode:"i" desc:"invisible - set and reported by MODE; WHO replies do not filter on it"`
	Operator  bool `mode:"o" desc:"IRC operator"`
	Wallops   bool `mode:"w" desc:"can listen to wallops messages"`
}

// ApplyModeString parses an IRC mode string (e.g. "+iw-o") and applies it.
// It returns an error on the first flag outside the supported set.
func (m *UserMode) ApplyModeString(modeString string) error {
	add := true

	for _, ch := range modeString {
		switch ch {
		case '+':
			add = true
		case '-':
			add = false
		default:
			if err := m.setModeByChar(ch, add); err != nil {
				return err
			}
		}
	}

	return nil
}

// setModeByChar sets a specific mode character on the UserMode struct
func (m *UserMode) setModeByChar(mode rune, value bool) error {
	val := reflect.ValueOf(m).Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if fieldType.Tag.Get("mode") == string(mode) {
			field.SetBool(value)
			return nil
		}
	}

	return fmt.Errorf("no field found for mode %c", mode)
}

// ApplyMode applies a single mode change (char with + or - prefix).
func (m *UserMode) ApplyMode(modeChar rune, add bool) error {
	return m.setModeByChar(modeChar, add)
}

// HasMode checks if a specific mode is set
func (m *UserMode) HasMode(mode rune) bool {
	val := reflect.ValueOf(m).Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		if typ.Field(i).Tag.Get("mode") == string(mode) {
			return val.Field(i).Bool()
		}
	}

	return false
}

// String returns the compact mode string representation (e.g. "+iw").
// An empty string means no modes are set.
func (m *UserMode) String() string {
	modeStr := "+"
	val := reflect.ValueOf(m).Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		if !val.Field(i).Bool() {
			continue
		}
		modeStr += typ.Field(i).Tag.Get("mode")
	}

	if modeStr == "+" {
		return ""
	}

	return modeStr
}
