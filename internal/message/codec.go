package message

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Wire formats.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Encode serializes m in the given format.
func Encode(m *Message, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.Marshal(m)
	case FormatXML:
		return encodeXML(m)
	default:
		return nil, fmt.Errorf("unsupported message format %q", format)
	}
}

// Decode parses data in the given format.
func Decode(data []byte, format string) (*Message, error) {
	var m *Message
	var err error
	switch format {
	case FormatJSON, "":
		m = &Message{}
		err = json.Unmarshal(data, m)
	case FormatXML:
		m, err = decodeXML(data)
	default:
		return nil, fmt.Errorf("unsupported message format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s message: %w", format, err)
	}
	if m.Name == "" {
		return nil, errors.New("decode message: missing name")
	}
	if m.Body == nil {
		m.Body = Body{}
	}
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}
	return m, nil
}

// ContentType returns the HTTP content type for a format.
func ContentType(format string) string {
	if format == FormatXML {
		return "application/xml"
	}
	return "application/json"
}

// XML layout:
//
//	<message id="..." name="...">
//	  <meta><key>value</key></meta>
//	  <body><key>value</key><list><item>a</item></list></body>
//	</message>

func encodeXML(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	root := xml.StartElement{
		Name: xml.Name{Local: "message"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: m.ID},
			{Name: xml.Name{Local: "name"}, Value: m.Name},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(m.Meta))
	for k, v := range m.Meta {
		meta[k] = v
	}
	if err := encodeValue(enc, "meta", meta); err != nil {
		return nil, err
	}
	if err := encodeValue(enc, "body", map[string]any(m.Body)); err != nil {
		return nil, err
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(enc *xml.Encoder, name string, v any) error {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	switch val := v.(type) {
	case nil:
	case Body:
		if err := encodeMap(enc, val); err != nil {
			return err
		}
	case map[string]any:
		if err := encodeMap(enc, val); err != nil {
			return err
		}
	case []any:
		for _, item := range val {
			if err := encodeValue(enc, "item", item); err != nil {
				return err
			}
		}
	case []string:
		for _, item := range val {
			if err := encodeValue(enc, "item", item); err != nil {
				return err
			}
		}
	case bool:
		text := "0"
		if val {
			text = "1"
		}
		if err := enc.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	default:
		if err := enc.EncodeToken(xml.CharData(fmt.Sprint(val))); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

func encodeMap(enc *xml.Encoder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := encodeValue(enc, k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

type node struct {
	name     string
	attrs    map[string]string
	text     strings.Builder
	children []*node
}

func decodeXML(data []byte) (*Message, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var stack []*node
	var root *node
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local, attrs: map[string]string{}}
			for _, a := range t.Attr {
				n.attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil || root.name != "message" {
		return nil, errors.New("missing <message> root element")
	}

	m := &Message{
		ID:   root.attrs["id"],
		Name: root.attrs["name"],
		Meta: map[string]string{},
		Body: Body{},
	}
	for _, child := range root.children {
		switch child.name {
		case "meta":
			for _, kv := range child.children {
				m.Meta[kv.name] = strings.TrimSpace(kv.text.String())
			}
		case "body":
			if v, ok := nodeValue(child).(map[string]any); ok {
				m.Body = Body(v)
			}
		}
	}
	return m, nil
}

func nodeValue(n *node) any {
	if len(n.children) == 0 {
		return strings.TrimSpace(n.text.String())
	}

	list := true
	for _, c := range n.children {
		if c.name != "item" {
			list = false
			break
		}
	}
	if list {
		items := make([]any, 0, len(n.children))
		for _, c := range n.children {
			items = append(items, nodeValue(c))
		}
		return items
	}

	m := make(map[string]any, len(n.children))
	for _, c := range n.children {
		m[c.name] = nodeValue(c)
	}
	return m
}
