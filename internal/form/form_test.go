package form

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"easyagent-client/internal/model"
)

var tripForm = model.FormDescriptor{
	FormType:  "survey",
	FormTitle: "Trip planning",
	Fields: []model.FormField{
		{FieldName: "destination_type", FieldType: TypeRadio, Label: "Where to?", Required: true, Options: []string{"domestic", "abroad", "nearby"}},
		{FieldName: "duration", FieldType: TypeNumber, Label: "Days", Required: true},
		{FieldName: "budget", FieldType: TypeNumber, Label: "Budget"},
		{FieldName: "platform", FieldType: TypeCheckbox, Options: []string{"iOS", "Android", "Web"}},
		{FieldName: "notes", FieldType: TypeTextarea},
	},
}

func TestSchemaShape(t *testing.T) {
	s := Schema(tripForm)
	assert.Equal(t, "object", s["type"])
	assert.Equal(t, []string{"destination_type", "duration"}, s["required"])

	props := s["properties"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"type": "number", "title": "Days"}, props["duration"])
	assert.Equal(t, []string{"domestic", "abroad", "nearby"}, props["destination_type"].(map[string]interface{})["enum"])
	assert.Equal(t, "array", props["platform"].(map[string]interface{})["type"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]interface{}
		wantErr bool
	}{
		{
			name:   "minimal valid",
			values: map[string]interface{}{"destination_type": "abroad", "duration": 5},
		},
		{
			name:   "all fields",
			values: map[string]interface{}{"destination_type": "nearby", "duration": 2.5, "budget": 1000, "platform": []string{"iOS", "Web"}, "notes": "x"},
		},
		{
			name:    "missing required",
			values:  map[string]interface{}{"destination_type": "abroad"},
			wantErr: true,
		},
		{
			name:    "option outside enum",
			values:  map[string]interface{}{"destination_type": "moon", "duration": 1},
			wantErr: true,
		},
		{
			name:    "number as string",
			values:  map[string]interface{}{"destination_type": "abroad", "duration": "five"},
			wantErr: true,
		},
		{
			name:    "unknown checkbox option",
			values:  map[string]interface{}{"destination_type": "abroad", "duration": 1, "platform": []string{"Symbian"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tripForm, tt.values)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, "Trip planning", vErr.Form)
		})
	}
}

func TestValidateTable(t *testing.T) {
	desc := model.FormDescriptor{Fields: []model.FormField{{
		FieldName: "items",
		FieldType: TypeTable,
		Required:  true,
		MaxRows:   2,
		Columns:   []model.FormColumn{{Header: "Name", Field: "name"}, {Header: "Qty", Field: "qty", Type: TypeNumber}},
	}}}

	assert.NoError(t, Validate(desc, map[string]interface{}{
		"items": []map[string]interface{}{{"name": "pen", "qty": 2}},
	}))
	assert.Error(t, Validate(desc, map[string]interface{}{"items": []map[string]interface{}{}}))
	assert.Error(t, Validate(desc, map[string]interface{}{
		"items": []map[string]interface{}{{"name": "a"}, {"name": "b"}, {"name": "c"}},
	}))
	assert.Error(t, Validate(desc, map[string]interface{}{
		"items": []map[string]interface{}{{"name": "pen", "qty": "two"}},
	}))
	// 必填表格的行必须填满每一列
	assert.Error(t, Validate(desc, map[string]interface{}{"items": []map[string]interface{}{{}}}))
	assert.Error(t, Validate(desc, map[string]interface{}{"items": []map[string]interface{}{{"name": "pen"}}}))
	assert.Error(t, Validate(desc, map[string]interface{}{"items": []map[string]interface{}{{"name": "", "qty": 1}}}))

	desc.Fields[0].Required = false
	assert.NoError(t, Validate(desc, map[string]interface{}{"items": []map[string]interface{}{{}}}))
}

func TestCollect(t *testing.T) {
	input := strings.Join([]string{
		"",          // required radio left blank, re-prompted
		"2",         // abroad by index
		"many",      // not a number
		"7",         // duration
		"",          // budget skipped
		"web, 1",    // checkbox by text and index
		"bring tea", // notes
	}, "\n") + "\n"

	var out bytes.Buffer
	values, err := Collect(tripForm, strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"destination_type": "abroad",
		"duration":         7.0,
		"platform":         []string{"Web", "iOS"},
		"notes":            "bring tea",
	}, values)
	assert.Contains(t, out.String(), "== Trip planning ==")
	assert.Contains(t, out.String(), "this field is required")
	assert.Contains(t, out.String(), `"many" is not a number`)
}

func TestCollectTable(t *testing.T) {
	desc := model.FormDescriptor{Fields: []model.FormField{{
		FieldName: "items",
		FieldType: TypeTable,
		Columns:   []model.FormColumn{{Header: "Name", Field: "name"}, {Header: "Qty", Field: "qty", Type: TypeNumber}},
	}}}

	values, err := Collect(desc, strings.NewReader("pen\nx\n3\nink\n\n\n"), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{
		{"name": "pen", "qty": 3.0},
		{"name": "ink"},
	}, values["items"])
}

func TestCollectRequiredTable(t *testing.T) {
	desc := model.FormDescriptor{Fields: []model.FormField{{
		FieldName: "items",
		FieldType: TypeTable,
		Required:  true,
		Columns:   []model.FormColumn{{Header: "Name", Field: "name"}, {Header: "Qty", Field: "qty", Type: TypeNumber}},
	}}}

	var out bytes.Buffer
	values, err := Collect(desc, strings.NewReader("pen\n\n4\n\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"name": "pen", "qty": 4.0}}, values["items"])
	assert.Contains(t, out.String(), "this field is required")
}

func TestCollectAbortsOnEOF(t *testing.T) {
	_, err := Collect(tripForm, strings.NewReader("1\n"), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrAborted)
}
