package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Upstream is one weighted provider target of an AI route.
type Upstream struct {
	Provider     string            `json:"provider"`
	Weight       float64           `json:"weight"`
	ModelMapping map[string]string `json:"modelMapping,omitempty"`
}

// Upstreams decodes the "upstreams" field of args. ok is false when the field
// is absent or not a list of upstream objects.
func Upstreams(args map[string]any) (ups []Upstream, ok bool) {
	raw, present := args["upstreams"]
	if !present || raw == nil {
		return nil, false
	}
	if typed, isTyped := raw.([]Upstream); isTyped {
		return typed, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal(data, &ups); err != nil {
		return nil, false
	}
	return ups, true
}

// WeightSum returns the total weight of ups.
func WeightSum(ups []Upstream) float64 {
	var total float64
	for _, u := range ups {
		total += u.Weight
	}
	return total
}

// FormatWeight renders a weight without trailing zeros.
func FormatWeight(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}

// DescribeUpstreams renders ups as "openai(70%) + deepseek(30%)".
func DescribeUpstreams(ups []Upstream) string {
	parts := make([]string, 0, len(ups))
	for _, u := range ups {
		parts = append(parts, fmt.Sprintf("%s(%s%%)", u.Provider, FormatWeight(u.Weight)))
	}
	return strings.Join(parts, " + ")
}
