package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Property names a single merged field of an object. The parent and order
// properties together encode the document tree.
type Property string

// Well-known property names. Objects may carry arbitrary further properties;
// only parent and order get special treatment by the store.
const (
	PropParent       Property = "parent"
	PropOrder        Property = "order"
	PropName         Property = "name"
	PropObjectType   Property = "object_type"
	PropX            Property = "x"
	PropY            Property = "y"
	PropWidth        Property = "width"
	PropHeight       Property = "height"
	PropRotation     Property = "rotation"
	PropOpacity      Property = "opacity"
	PropVisible      Property = "visible"
	PropLocked       Property = "locked"
	PropFillColor    Property = "fill_color"
	PropStrokeColor  Property = "stroke_color"
	PropStrokeWidth  Property = "stroke_width"
	PropCornerRadius Property = "corner_radius"
	PropText         Property = "text"
	PropFontSize     Property = "font_size"
)

// Kind discriminates the closed set of property value variants.
type Kind string

const (
	KindNumber    Kind = "number"
	KindText      Kind = "text"
	KindBoolean   Kind = "boolean"
	KindColor     Kind = "color"
	KindReference Kind = "reference"
)

// ErrUnknownKind reports a value payload outside the closed variant set.
var ErrUnknownKind = errors.New("unknown value kind")

// Value is a tagged scalar property value. The closed variant set keeps the
// merge and clock logic exhaustively checkable; references carry links to
// other objects, most notably the parent property.
type Value struct {
	kind Kind
	num  float64
	text string
	flag bool
	col  Color
	ref  ObjectID
}

// Number returns a numeric value.
func Number(v float64) Value { return Value{kind: KindNumber, num: v} }

// Text returns a string value.
func Text(v string) Value { return Value{kind: KindText, text: v} }

// Boolean returns a boolean value.
func Boolean(v bool) Value { return Value{kind: KindBoolean, flag: v} }

// ColorValue returns a color value.
func ColorValue(c Color) Value { return Value{kind: KindColor, col: c} }

// Reference returns a value linking to another object.
func Reference(id ObjectID) Value { return Value{kind: KindReference, ref: id} }

// Kind reports which variant the value holds.
func (v Value) Kind() Kind { return v.kind }

// AsNumber returns the numeric payload when the value is a number.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsText returns the string payload when the value is text.
func (v Value) AsText() (string, bool) { return v.text, v.kind == KindText }

// AsBoolean returns the boolean payload when the value is a boolean.
func (v Value) AsBoolean() (bool, bool) { return v.flag, v.kind == KindBoolean }

// AsColor returns the color payload when the value is a color.
func (v Value) AsColor() (Color, bool) { return v.col, v.kind == KindColor }

// AsReference returns the linked object when the value is a reference.
func (v Value) AsReference() (ObjectID, bool) { return v.ref, v.kind == KindReference }

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(other Value) bool { return v == other }

// String renders the payload for logs.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindText:
		return strconv.Quote(v.text)
	case KindBoolean:
		return strconv.FormatBool(v.flag)
	case KindColor:
		return v.col.Hex()
	case KindReference:
		return string(v.ref)
	default:
		return "<unset>"
	}
}

type valueJSON struct {
	Kind      Kind     `json:"kind"`
	Number    *float64 `json:"number,omitempty"`
	Text      *string  `json:"text,omitempty"`
	Boolean   *bool    `json:"boolean,omitempty"`
	Color     string   `json:"color,omitempty"`
	Reference ObjectID `json:"reference,omitempty"`
}

// MarshalJSON encodes the value as {"kind": ..., "<kind>": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	enc := valueJSON{Kind: v.kind}
	switch v.kind {
	case KindNumber:
		enc.Number = &v.num
	case KindText:
		enc.Text = &v.text
	case KindBoolean:
		enc.Boolean = &v.flag
	case KindColor:
		enc.Color = v.col.Hex()
	case KindReference:
		enc.Reference = v.ref
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, v.kind)
	}
	return json.Marshal(enc)
}

// UnmarshalJSON decodes a tagged value. Kinds outside the closed set fail so
// a bad payload is rejected before it can reach the merge path.
func (v *Value) UnmarshalJSON(data []byte) error {
	var dec valueJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	switch dec.Kind {
	case KindNumber:
		var num float64
		if dec.Number != nil {
			num = *dec.Number
		}
		*v = Number(num)
	case KindText:
		var text string
		if dec.Text != nil {
			text = *dec.Text
		}
		*v = Text(text)
	case KindBoolean:
		var flag bool
		if dec.Boolean != nil {
			flag = *dec.Boolean
		}
		*v = Boolean(flag)
	case KindColor:
		col, err := ColorFromHex(dec.Color)
		if err != nil {
			return fmt.Errorf("decode color value: %w", err)
		}
		*v = ColorValue(col)
	case KindReference:
		*v = Reference(dec.Reference)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, dec.Kind)
	}
	return nil
}

// Color is an RGBA color with channels in [0, 1].
type Color struct {
	R float64
	G float64
	B float64
	A float64
}

// ErrMalformedColor reports a hex string that is not #rrggbb or #rrggbbaa.
var ErrMalformedColor = errors.New("malformed hex color")

// ColorFromHex parses "#rrggbb" or "#rrggbbaa"; the short form is opaque.
func ColorFromHex(s string) (Color, error) {
	if len(s) == 0 || s[0] != '#' {
		return Color{}, fmt.Errorf("%w: %q", ErrMalformedColor, s)
	}
	hex := s[1:]
	if len(hex) != 6 && len(hex) != 8 {
		return Color{}, fmt.Errorf("%w: %q", ErrMalformedColor, s)
	}
	channel := func(offset int) (float64, error) {
		n, err := strconv.ParseUint(hex[offset:offset+2], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedColor, s)
		}
		return float64(n) / 255, nil
	}
	var c Color
	var err error
	if c.R, err = channel(0); err != nil {
		return Color{}, err
	}
	if c.G, err = channel(2); err != nil {
		return Color{}, err
	}
	if c.B, err = channel(4); err != nil {
		return Color{}, err
	}
	c.A = 1
	if len(hex) == 8 {
		if c.A, err = channel(6); err != nil {
			return Color{}, err
		}
	}
	return c, nil
}

// Hex renders the color as "#rrggbbaa".
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", channelByte(c.R), channelByte(c.G), channelByte(c.B), channelByte(c.A))
}

func channelByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}
