package action

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coal/recaptchaedge/internal/jsonutil"
)

// ErrUnknownAction is returned when an encoded action names no known kind.
var ErrUnknownAction = errors.New("unknown firewall action")

// ErrAmbiguousAction is returned for an action object naming several kinds.
var ErrAmbiguousAction = errors.New("ambiguous firewall action")

// List is an ordered list of actions with the FirewallAction wire encoding:
// each element is an object holding exactly one kind key.
//
//	[{"setHeader": {"key": "x-bot", "value": "1"}}, {"allow": {}}]
type List []Action

type setHeaderBody struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type substituteBody struct {
	Path string `json:"path" yaml:"path"`
}

// ParseKind maps a wire key to its Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(s)); k {
	case KindAllow, KindBlock, KindChallengePage, KindSetHeader, KindRedirect, KindSubstitute, KindInjectJS:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// New builds an action of the given kind; fields are only read for
// SetHeader and Substitute.
func New(kind Kind, key, value, path string) (Action, error) {
	switch kind {
	case KindAllow:
		return Allow{}, nil
	case KindBlock:
		return Block{}, nil
	case KindChallengePage:
		return ChallengePage{}, nil
	case KindRedirect:
		return Redirect{}, nil
	case KindInjectJS:
		return InjectJS{}, nil
	case KindSetHeader:
		if key == "" {
			return nil, fmt.Errorf("setHeader action requires a key")
		}
		return SetHeader{Key: key, Value: value}, nil
	case KindSubstitute:
		if path == "" {
			return nil, fmt.Errorf("substitute action requires a path")
		}
		return Substitute{Path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
}

// MarshalJSON encodes the list in the FirewallAction shape.
func (l List) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(l))
	for _, a := range l {
		var body any = struct{}{}
		switch v := a.(type) {
		case SetHeader:
			body = setHeaderBody{Key: v.Key, Value: v.Value}
		case Substitute:
			body = substituteBody{Path: v.Path}
		}
		out = append(out, map[string]any{string(a.Kind()): body})
	}
	return jsonutil.Marshal(out)
}

// UnmarshalJSON decodes the FirewallAction shape. Keys that are not action
// kinds are skipped; an object with no action key, or with more than one, is
// an error.
func (l *List) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raws []map[string]jsonutil.RawValue
	if err := jsonutil.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decoding actions: %w", err)
	}
	out := make(List, 0, len(raws))
	for i, raw := range raws {
		a, err := decodeJSONAction(raw)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

func decodeJSONAction(raw map[string]jsonutil.RawValue) (Action, error) {
	var (
		kind  Kind
		body  jsonutil.RawValue
		found int
	)
	for key, v := range raw {
		k, err := ParseKind(key)
		if err != nil {
			continue
		}
		kind, body = k, v
		found++
	}
	switch {
	case found == 0:
		return nil, fmt.Errorf("%w: no action key in %d-key object", ErrUnknownAction, len(raw))
	case found > 1:
		return nil, fmt.Errorf("%w: %d action keys in one object", ErrAmbiguousAction, found)
	}

	var sh setHeaderBody
	var sub substituteBody
	switch kind {
	case KindSetHeader:
		if err := jsonutil.Unmarshal(body, &sh); err != nil {
			return nil, fmt.Errorf("decoding setHeader: %w", err)
		}
	case KindSubstitute:
		if err := jsonutil.Unmarshal(body, &sub); err != nil {
			return nil, fmt.Errorf("decoding substitute: %w", err)
		}
	}
	return New(kind, sh.Key, sh.Value, sub.Path)
}

// UnmarshalYAML accepts either the wire shape or a bare kind name:
//
//	actions:
//	  - block
//	  - setHeader: {key: x-bot, value: "1"}
func (l *List) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: actions must be a sequence", value.Line)
	}
	out := make(List, 0, len(value.Content))
	for _, n := range value.Content {
		a, err := decodeYAMLAction(n)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

func decodeYAMLAction(n *yaml.Node) (Action, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		kind, err := ParseKind(n.Value)
		if err != nil {
			return nil, err
		}
		return New(kind, "", "", "")
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return nil, fmt.Errorf("action mapping must have exactly one key")
		}
		kind, err := ParseKind(n.Content[0].Value)
		if err != nil {
			return nil, err
		}
		var sh setHeaderBody
		var sub substituteBody
		switch kind {
		case KindSetHeader:
			if err := n.Content[1].Decode(&sh); err != nil {
				return nil, err
			}
		case KindSubstitute:
			if err := n.Content[1].Decode(&sub); err != nil {
				return nil, err
			}
		}
		return New(kind, sh.Key, sh.Value, sub.Path)
	default:
		return nil, fmt.Errorf("unsupported action node")
	}
}

// MarshalYAML encodes the list in the wire shape.
func (l List) MarshalYAML() (any, error) {
	out := make([]map[string]any, 0, len(l))
	for _, a := range l {
		var body any = map[string]string{}
		switch v := a.(type) {
		case SetHeader:
			body = setHeaderBody{Key: v.Key, Value: v.Value}
		case Substitute:
			body = substituteBody{Path: v.Path}
		}
		out = append(out, map[string]any{string(a.Kind()): body})
	}
	return out, nil
}
