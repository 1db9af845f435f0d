package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record は正規化済みの1レコード。attributes のネストは展開されている。
type Record map[string]any

// ID はレコードの数値IDを返す。
func (r Record) ID() (int64, bool) {
	switch v := r["id"].(type) {
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case float64:
		return int64(v), v == float64(int64(v))
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

// PaginationMeta は上流が返すページネーション情報。
type PaginationMeta struct {
	Page      int `json:"page,omitempty"`
	PageSize  int `json:"pageSize,omitempty"`
	PageCount int `json:"pageCount,omitempty"`
	Start     int `json:"start,omitempty"`
	Limit     int `json:"limit,omitempty"`
	Total     int `json:"total"`
}

// Meta はレスポンスのメタ情報。
type Meta struct {
	Pagination *PaginationMeta `json:"pagination,omitempty"`
}

// Envelope は正規化済みのレスポンス。上流の形式に関わらず Data は常にリストになる。
type Envelope struct {
	Data []Record `json:"data"`
	Meta *Meta    `json:"meta,omitempty"`
}

// decodeEnvelope は上流レスポンスを正規化する。
// {data, meta} 形式、配列のみ、単一オブジェクトの3形式を受け付ける。
func decodeEnvelope(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	switch trimmed[0] {
	case '[':
		v, err := decodeAny(trimmed)
		if err != nil {
			return nil, err
		}
		return &Envelope{Data: normalizeData(v)}, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, err
		}
		rawData, hasData := fields["data"]
		rawMeta, hasMeta := fields["meta"]
		if !hasData && !hasMeta {
			v, err := decodeAny(trimmed)
			if err != nil {
				return nil, err
			}
			return &Envelope{Data: normalizeData(v)}, nil
		}

		env := &Envelope{Data: []Record{}}
		if hasData {
			v, err := decodeAny(rawData)
			if err != nil {
				return nil, err
			}
			env.Data = normalizeData(v)
		}
		if hasMeta && !isNull(rawMeta) {
			var meta Meta
			if err := json.Unmarshal(rawMeta, &meta); err != nil {
				return nil, fmt.Errorf("meta: %w", err)
			}
			env.Meta = &meta
		}
		return env, nil
	}

	return nil, fmt.Errorf("unexpected response shape")
}

func decodeAny(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// normalizeData はdataの値をレコードのリストに変換する。
func normalizeData(v any) []Record {
	switch t := v.(type) {
	case []any:
		records := make([]Record, 0, len(t))
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				records = append(records, normalizeRecord(obj))
			}
		}
		return records
	case map[string]any:
		return []Record{normalizeRecord(t)}
	}
	return []Record{}
}

// normalizeRecord は attributes を展開し、id などの最上位フィールドと合成する。
// attributes 内の値は最上位の同名フィールドより優先しない。
func normalizeRecord(obj map[string]any) Record {
	out := make(Record, len(obj))
	if attrs, ok := obj["attributes"].(map[string]any); ok {
		for k, v := range attrs {
			out[k] = normalizeValue(v)
		}
	}
	for k, v := range obj {
		if k == "attributes" {
			if _, ok := v.(map[string]any); ok {
				continue
			}
		}
		out[k] = normalizeValue(v)
	}
	return out
}

// normalizeValue はpopulateされたリレーション（{data: ...}）を再帰的に展開する。
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if isRelation(t) {
			switch data := t["data"].(type) {
			case nil:
				return nil
			case []any:
				list := make([]any, 0, len(data))
				for _, item := range data {
					if obj, ok := item.(map[string]any); ok {
						list = append(list, normalizeRecord(obj))
					}
				}
				return list
			case map[string]any:
				return normalizeRecord(data)
			default:
				return data
			}
		}
		if _, ok := t["attributes"].(map[string]any); ok {
			return normalizeRecord(t)
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}

// isRelation はオブジェクトがリレーションのラッパー（data と任意の meta のみ）かを判定する。
func isRelation(obj map[string]any) bool {
	if _, ok := obj["data"]; !ok {
		return false
	}
	for k := range obj {
		if k != "data" && k != "meta" {
			return false
		}
	}
	return true
}
