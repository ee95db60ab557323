package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// FieldName names a structured field that extractors can disagree on.
type FieldName string

const (
	FieldAmount       FieldName = "amount"
	FieldDeadline     FieldName = "deadline"
	FieldOrganization FieldName = "organization"
)

// Fields lists every resolvable field in resolution order.
var Fields = []FieldName{FieldAmount, FieldDeadline, FieldOrganization}

// FieldValue is a typed extracted value. The set of implementations is
// closed: AmountValue, DeadlineValue and OrganizationValue.
type FieldValue interface {
	Field() FieldName
	String() string
	isFieldValue()
}

// AmountValue is a funding range in dollars. Min == Max for a single figure.
type AmountValue struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (AmountValue) Field() FieldName { return FieldAmount }
func (AmountValue) isFieldValue()    {}

func (a AmountValue) String() string {
	if a.Min == a.Max {
		return "$" + strconv.FormatFloat(a.Min, 'f', -1, 64)
	}
	return fmt.Sprintf("$%s-$%s", strconv.FormatFloat(a.Min, 'f', -1, 64), strconv.FormatFloat(a.Max, 'f', -1, 64))
}

// Width is the size of the range; narrower ranges are more specific.
func (a AmountValue) Width() float64 { return a.Max - a.Min }

// DeadlineValue is an extracted deadline. Date is nil when Raw did not parse.
type DeadlineValue struct {
	Raw  string     `json:"raw"`
	Date *time.Time `json:"date,omitempty"`
}

func (DeadlineValue) Field() FieldName { return FieldDeadline }
func (DeadlineValue) isFieldValue()    {}

func (d DeadlineValue) String() string {
	if d.Date != nil {
		return d.Date.Format("2006-01-02")
	}
	return d.Raw
}

// OrganizationValue is an extracted organization name.
type OrganizationValue struct {
	Name string `json:"name"`
}

func (OrganizationValue) Field() FieldName { return FieldOrganization }
func (OrganizationValue) isFieldValue()    {}
func (o OrganizationValue) String() string { return o.Name }

// FieldGuess is one extractor's value for one field.
type FieldGuess struct {
	Value      FieldValue `json:"-"`
	Confidence float64    `json:"-"`
}

// taggedValue is the wire envelope for FieldValue.
type taggedValue struct {
	Kind         FieldName          `json:"kind"`
	Amount       *AmountValue       `json:"amount,omitempty"`
	Deadline     *DeadlineValue     `json:"deadline,omitempty"`
	Organization *OrganizationValue `json:"organization,omitempty"`
}

func wrapValue(v FieldValue) (*taggedValue, error) {
	switch fv := v.(type) {
	case nil:
		return nil, nil
	case AmountValue:
		return &taggedValue{Kind: FieldAmount, Amount: &fv}, nil
	case DeadlineValue:
		return &taggedValue{Kind: FieldDeadline, Deadline: &fv}, nil
	case OrganizationValue:
		return &taggedValue{Kind: FieldOrganization, Organization: &fv}, nil
	default:
		return nil, eris.Errorf("model: unknown field value %T", v)
	}
}

func (t *taggedValue) unwrap() (FieldValue, error) {
	if t == nil {
		return nil, nil
	}
	switch t.Kind {
	case FieldAmount:
		if t.Amount != nil {
			return *t.Amount, nil
		}
	case FieldDeadline:
		if t.Deadline != nil {
			return *t.Deadline, nil
		}
	case FieldOrganization:
		if t.Organization != nil {
			return *t.Organization, nil
		}
	default:
		return nil, eris.Errorf("model: unknown field kind %q", t.Kind)
	}
	return nil, eris.Errorf("model: field kind %q has no payload", t.Kind)
}

type fieldGuessJSON struct {
	Value      *taggedValue `json:"value"`
	Confidence float64      `json:"confidence"`
}

// MarshalJSON encodes the guess with an explicit kind tag.
func (g FieldGuess) MarshalJSON() ([]byte, error) {
	tv, err := wrapValue(g.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldGuessJSON{Value: tv, Confidence: g.Confidence})
}

// UnmarshalJSON decodes a kind-tagged guess.
func (g *FieldGuess) UnmarshalJSON(data []byte) error {
	var raw fieldGuessJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode field guess")
	}
	v, err := raw.Value.unwrap()
	if err != nil {
		return err
	}
	g.Value = v
	g.Confidence = raw.Confidence
	return nil
}
