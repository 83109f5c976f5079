package dataapi

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/plangate/internal/render"
	"github.com/rafaeljc/plangate/internal/visibility"
)

// Evaluate travels as a google.protobuf.Struct in both directions, so any
// protobuf client can call it without generated stubs. Field names follow
// the JSON mapping of the typed messages below.
const (
	fieldViewerID    = "viewerId"
	fieldElementIDs  = "elementIds"
	fieldMode        = "mode"
	fieldElements    = "elements"
	fieldMemberships = "memberships"
	fieldElementID   = "elementId"
	fieldRender      = "render"
	fieldReason      = "reason"
)

func (r *EvaluateRequest) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldViewerID:   structpb.NewStringValue(r.ViewerID),
		fieldElementIDs: stringList(r.ElementIDs),
	}
	if r.Mode != "" {
		fields[fieldMode] = structpb.NewStringValue(r.Mode)
	}
	return &structpb.Struct{Fields: fields}
}

// requestFromStruct rejects unknown fields and mistyped values.
func requestFromStruct(s *structpb.Struct) (*EvaluateRequest, error) {
	req := &EvaluateRequest{}
	for name, v := range s.GetFields() {
		var err error
		switch name {
		case fieldViewerID:
			req.ViewerID, err = stringField(name, v)
		case fieldElementIDs:
			req.ElementIDs, err = stringListField(name, v)
		case fieldMode:
			req.Mode, err = stringField(name, v)
		default:
			err = fmt.Errorf("unknown field %q", name)
		}
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (r *EvaluateResponse) toStruct() *structpb.Struct {
	elements := make([]*structpb.Value, len(r.Elements))
	for i, e := range r.Elements {
		elements[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldElementID: structpb.NewStringValue(e.ElementID),
			fieldRender:    structpb.NewBoolValue(e.Render),
			fieldReason:    structpb.NewStringValue(string(e.Reason)),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldElements:    structpb.NewListValue(&structpb.ListValue{Values: elements}),
		fieldMemberships: stringList(r.Memberships),
	}}
}

func responseFromStruct(s *structpb.Struct) (*EvaluateResponse, error) {
	fields := s.GetFields()

	memberships, err := stringListField(fieldMemberships, fields[fieldMemberships])
	if err != nil {
		return nil, err
	}
	list, ok := fields[fieldElements].GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list", fieldElements)
	}

	resp := &EvaluateResponse{
		Elements:    make([]render.Element, 0, len(list.ListValue.GetValues())),
		Memberships: memberships,
	}
	for i, v := range list.ListValue.GetValues() {
		e := v.GetStructValue()
		if e == nil {
			return nil, fmt.Errorf("%s[%d]: expected an object", fieldElements, i)
		}
		id, err := stringField(fieldElementID, e.GetFields()[fieldElementID])
		if err != nil {
			return nil, err
		}
		reason, err := stringField(fieldReason, e.GetFields()[fieldReason])
		if err != nil {
			return nil, err
		}
		resp.Elements = append(resp.Elements, render.Element{
			ElementID: id,
			Render:    e.GetFields()[fieldRender].GetBoolValue(),
			Reason:    visibility.Reason(reason),
		})
	}
	return resp, nil
}

func stringList(values []string) *structpb.Value {
	list := make([]*structpb.Value, len(values))
	for i, s := range values {
		list[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

// stringField treats a missing or null value as the empty string.
func stringField(name string, v *structpb.Value) (string, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return "", nil
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	default:
		return "", fmt.Errorf("%s: expected a string", name)
	}
}

// stringListField treats a missing or null value as an empty list.
func stringListField(name string, v *structpb.Value) ([]string, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return []string{}, nil
	case *structpb.Value_ListValue:
		out := make([]string, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			s, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected a string", name, i)
			}
			out[i] = s.StringValue
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected a list", name)
	}
}
