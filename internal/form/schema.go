// Package form turns backend form descriptors into JSON schemas, validates
// submitted values against them and collects values on a terminal.
package form

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"easyagent-client/internal/model"
)

// 后端约定的字段类型
const (
	TypeText        = "text"
	TypeTextarea    = "textarea"
	TypeNumber      = "number"
	TypeRadio       = "radio"
	TypeSelect      = "select"
	TypeCheckbox    = "checkbox"
	TypeMultiselect = "multiselect"
	TypeTable       = "table"
)

// ValidationError 表单值不满足描述
type ValidationError struct {
	Form string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Form != "" {
		return fmt.Sprintf("form %q: %v", e.Form, e.Err)
	}
	return fmt.Sprintf("form: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Schema 把表单描述转换成 JSON Schema 文档
func Schema(desc model.FormDescriptor) map[string]interface{} {
	properties := make(map[string]interface{}, len(desc.Fields))
	required := []string{}

	for _, field := range desc.Fields {
		if field.FieldName == "" {
			continue
		}
		prop := fieldSchema(field)
		if field.Label != "" {
			prop["title"] = field.Label
		}
		properties[field.FieldName] = prop
		if field.Required {
			required = append(required, field.FieldName)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	if desc.FormTitle != "" {
		schema["title"] = desc.FormTitle
	}
	return schema
}

func fieldSchema(field model.FormField) map[string]interface{} {
	switch field.FieldType {
	case TypeNumber:
		return map[string]interface{}{"type": "number"}
	case TypeRadio, TypeSelect:
		prop := map[string]interface{}{"type": "string"}
		if len(field.Options) > 0 {
			prop["enum"] = field.Options
		}
		return prop
	case TypeCheckbox, TypeMultiselect:
		items := map[string]interface{}{"type": "string"}
		if len(field.Options) > 0 {
			items["enum"] = field.Options
		}
		prop := map[string]interface{}{"type": "array", "items": items, "uniqueItems": true}
		if field.Required {
			prop["minItems"] = 1
		}
		return prop
	case TypeTable:
		return tableSchema(field)
	default:
		prop := map[string]interface{}{"type": "string"}
		if field.Required {
			prop["minLength"] = 1
		}
		return prop
	}
}

func tableSchema(field model.FormField) map[string]interface{} {
	columns := make(map[string]interface{}, len(field.Columns))
	required := make([]string, 0, len(field.Columns))
	for _, col := range field.Columns {
		t := "string"
		if col.Type == TypeNumber {
			t = "number"
		}
		colSchema := map[string]interface{}{"type": t}
		// 必填表格的每一行每一列都要填
		if field.Required {
			if t == "string" {
				colSchema["minLength"] = 1
			}
			required = append(required, col.Field)
		}
		columns[col.Field] = colSchema
	}

	items := map[string]interface{}{"type": "object", "properties": columns}
	if len(required) > 0 {
		items["required"] = required
	}
	prop := map[string]interface{}{
		"type":  "array",
		"items": items,
	}
	minRows := field.MinRows
	if field.Required && minRows < 1 {
		minRows = 1
	}
	if minRows > 0 {
		prop["minItems"] = minRows
	}
	if field.MaxRows > 0 {
		prop["maxItems"] = field.MaxRows
	}
	return prop
}

// Validate 按表单描述校验提交的值
func Validate(desc model.FormDescriptor, values map[string]interface{}) error {
	schemaDoc, err := normalize(Schema(desc))
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("form.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("form.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if values == nil {
		values = map[string]interface{}{}
	}
	instance, err := normalize(values)
	if err != nil {
		return &ValidationError{Form: desc.FormTitle, Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return &ValidationError{Form: desc.FormTitle, Err: err}
	}
	return nil
}

// normalize 经过一次 JSON 往返，得到校验器认识的通用类型
func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
