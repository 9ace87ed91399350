package python

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"pybridge/internal/core"
)

var errBadArguments = errors.New("bad arguments")

type fileArgs struct {
	Code     string
	Function string
	Args     string
}

// decodeScript: строка или отсутствие аргумента (пустой скрипт).
func decodeScript(method string, p core.Payload) (string, error) {
	switch p.Kind {
	case core.KindNone:
		return "", nil
	case core.KindString:
		return p.Str, nil
	default:
		return "", fmt.Errorf("%s expects a string argument, got %s: %w", method, p.Kind, errBadArguments)
	}
}

// decodeFile разбирает {code, function, args}; code приходит в base64.
func decodeFile(method string, p core.Payload) (fileArgs, error) {
	var out fileArgs
	switch p.Kind {
	case core.KindNone:
		return out, nil
	case core.KindMap:
	default:
		return out, fmt.Errorf("%s expects a map argument, got %s: %w", method, p.Kind, errBadArguments)
	}

	encoded, err := p.StringField("code")
	if err != nil {
		return out, fmt.Errorf("%s: %w", method, err)
	}
	if out.Function, err = p.StringField("function"); err != nil {
		return out, fmt.Errorf("%s: %w", method, err)
	}
	if out.Args, err = p.StringField("args"); err != nil {
		return out, fmt.Errorf("%s: %w", method, err)
	}

	code, err := decodeBase64(encoded)
	if err != nil {
		return out, fmt.Errorf("%s: code is not valid base64: %w", method, errBadArguments)
	}
	out.Code = code
	return out, nil
}

func decodeBase64(s string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return string(data), nil
	}
	data, rawErr := base64.RawStdEncoding.DecodeString(s)
	if rawErr == nil {
		return string(data), nil
	}
	return "", err
}

// decodePort: целое в диапазоне 1..65535 или отсутствие аргумента (порт по умолчанию).
func decodePort(method string, p core.Payload, defaultPort int) (int, error) {
	switch p.Kind {
	case core.KindNone:
		return defaultPort, nil
	case core.KindInt:
		if p.Int < 1 || p.Int > 65535 {
			return 0, fmt.Errorf("%s: port %d is out of range: %w", method, p.Int, errBadArguments)
		}
		return int(p.Int), nil
	default:
		return 0, fmt.Errorf("%s expects an integer port, got %s: %w", method, p.Kind, errBadArguments)
	}
}

func expectNone(method string, p core.Payload) error {
	if p.Kind != core.KindNone {
		return fmt.Errorf("%s takes no arguments, got %s: %w", method, p.Kind, errBadArguments)
	}
	return nil
}

// limitOutput обрезает вывод по границе UTF-8 символа.
func limitOutput(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
