package form

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"easyagent-client/internal/model"
)

// ErrAborted 输入在表单填写完成前结束
var ErrAborted = errors.New("form input aborted")

// Collect 在终端上逐个字段提示输入，返回可提交的表单值。
// 可选字段留空会被省略；输入不合法时重新提示同一字段。
func Collect(desc model.FormDescriptor, in io.Reader, out io.Writer) (map[string]interface{}, error) {
	p := &prompter{in: bufio.NewReader(in), out: out}

	if desc.FormTitle != "" {
		fmt.Fprintf(out, "\n== %s ==\n", desc.FormTitle)
	}
	if desc.FormDescription != "" {
		fmt.Fprintln(out, desc.FormDescription)
	}

	values := make(map[string]interface{}, len(desc.Fields))
	for _, field := range desc.Fields {
		if field.FieldName == "" {
			continue
		}
		v, ok, err := p.field(field)
		if err != nil {
			return nil, err
		}
		if ok {
			values[field.FieldName] = v
		}
	}

	if err := Validate(desc, values); err != nil {
		return nil, err
	}
	return values, nil
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// readLine 读取一行；输入结束且没有内容时返回 ErrAborted
func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrAborted
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func label(field model.FormField) string {
	l := field.Label
	if l == "" {
		l = field.FieldName
	}
	if field.Required {
		l += " *"
	}
	return l
}

func (p *prompter) field(field model.FormField) (interface{}, bool, error) {
	fmt.Fprintf(p.out, "\n%s\n", label(field))
	for i, opt := range field.Options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	if field.Placeholder != "" {
		fmt.Fprintf(p.out, "  (%s)\n", field.Placeholder)
	}

	if field.FieldType == TypeTable {
		return p.table(field)
	}

	for {
		fmt.Fprint(p.out, "> ")
		line, err := p.readLine()
		if err != nil {
			return nil, false, err
		}

		if line == "" {
			if field.Default != nil {
				return field.Default, true, nil
			}
			if !field.Required {
				return nil, false, nil
			}
			fmt.Fprintln(p.out, "this field is required")
			continue
		}

		v, err := parseValue(field, line)
		if err != nil {
			fmt.Fprintln(p.out, err)
			continue
		}
		return v, true, nil
	}
}

func parseValue(field model.FormField, line string) (interface{}, error) {
	switch field.FieldType {
	case TypeNumber:
		n, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", line)
		}
		return n, nil
	case TypeRadio, TypeSelect:
		return pickOption(field.Options, line)
	case TypeCheckbox, TypeMultiselect:
		var picked []string
		seen := make(map[string]bool)
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			opt, err := pickOption(field.Options, part)
			if err != nil {
				return nil, err
			}
			if !seen[opt] {
				seen[opt] = true
				picked = append(picked, opt)
			}
		}
		return picked, nil
	default:
		return line, nil
	}
}

// pickOption 接受选项序号或选项原文
func pickOption(options []string, input string) (string, error) {
	if len(options) == 0 {
		return input, nil
	}
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], nil
	}
	for _, opt := range options {
		if strings.EqualFold(opt, input) {
			return opt, nil
		}
	}
	return "", fmt.Errorf("%q is not one of the options", input)
}

// table 逐行录入，首列留空结束
func (p *prompter) table(field model.FormField) (interface{}, bool, error) {
	if len(field.Columns) == 0 {
		return nil, false, nil
	}

	var rows []map[string]interface{}
	for field.MaxRows <= 0 || len(rows) < field.MaxRows {
		fmt.Fprintf(p.out, "row %d (leave %s empty to finish)\n", len(rows)+1, field.Columns[0].Header)
		row, done, err := p.row(field.Columns, field.Required)
		if err != nil {
			return nil, false, err
		}
		if done {
			if len(rows) < field.MinRows {
				fmt.Fprintf(p.out, "at least %d rows are required\n", field.MinRows)
				continue
			}
			break
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows, true, nil
}

// row 读取一行，首列留空表示结束；required 时其余列不能留空
func (p *prompter) row(columns []model.FormColumn, required bool) (map[string]interface{}, bool, error) {
	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		for {
			fmt.Fprintf(p.out, "  %s: ", col.Header)
			line, err := p.readLine()
			if err != nil {
				return nil, false, err
			}
			if line == "" {
				if i == 0 {
					return nil, true, nil
				}
				if required {
					fmt.Fprintln(p.out, "this field is required")
					continue
				}
				break
			}
			if col.Type == TypeNumber {
				n, err := strconv.ParseFloat(line, 64)
				if err != nil {
					fmt.Fprintf(p.out, "%q is not a number\n", line)
					continue
				}
				row[col.Field] = n
				break
			}
			row[col.Field] = line
			break
		}
	}
	return row, false, nil
}
