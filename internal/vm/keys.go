package vm

import (
	"fmt"
)

// keyPress is one synthetic keystroke: a QEMU qcode plus whether shift is held.
type keyPress struct {
	qcode string
	shift bool
}

// qcodeFor maps a character to the keystroke producing it on a US layout.
func qcodeFor(ch rune) (keyPress, error) {
	switch {
	case ch >= 'a' && ch <= 'z':
		return keyPress{qcode: string(ch)}, nil
	case ch >= 'A' && ch <= 'Z':
		return keyPress{qcode: string(ch - 'A' + 'a'), shift: true}, nil
	case ch >= '0' && ch <= '9':
		return keyPress{qcode: string(ch)}, nil
	}

	plain := map[rune]string{
		' ':  "spc",
		'\n': "ret",
		'\t': "tab",
		'-':  "minus",
		'=':  "equal",
		'[':  "bracket_left",
		']':  "bracket_right",
		';':  "semicolon",
		'\'': "apostrophe",
		'`':  "grave_accent",
		'\\': "backslash",
		',':  "comma",
		'.':  "dot",
		'/':  "slash",
	}
	if qcode, ok := plain[ch]; ok {
		return keyPress{qcode: qcode}, nil
	}

	shifted := map[rune]string{
		'!': "1", '@': "2", '#': "3", '$': "4", '%': "5",
		'^': "6", '&': "7", '*': "8", '(': "9", ')': "0",
		'_': "minus", '+': "equal", '{': "bracket_left", '}': "bracket_right",
		':': "semicolon", '"': "apostrophe", '~': "grave_accent",
		'|': "backslash", '<': "comma", '>': "dot", '?': "slash",
	}
	if qcode, ok := shifted[ch]; ok {
		return keyPress{qcode: qcode, shift: true}, nil
	}

	return keyPress{}, fmt.Errorf("no key mapping for %q", ch)
}

// sendkeyArgs builds the control-protocol arguments for one keystroke.
func sendkeyArgs(press keyPress) map[string]any {
	keys := make([]map[string]any, 0, 2)
	if press.shift {
		keys = append(keys, map[string]any{"type": "qcode", "data": "shift"})
	}
	keys = append(keys, map[string]any{"type": "qcode", "data": press.qcode})
	return map[string]any{"keys": keys}
}
