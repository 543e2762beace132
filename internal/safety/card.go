package safety

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gzf09/agent-aigateway/internal/plan"
)

// CardType tags the confirmation card variant.
type CardType string

const (
	CardSummary   CardType = "summary"
	CardDiff      CardType = "diff"
	CardNameInput CardType = "name_input"
)

// Card is the confirmation artifact shown to the operator. The set of
// implementations is closed: *SummaryCard, *DiffCard and *NameInputCard.
type Card interface {
	Type() CardType
	Header() CardHeader
	card()
}

// CardHeader carries the fields common to every card.
type CardHeader struct {
	Kind         CardType          `json:"type"`
	Title        string            `json:"title"`
	ResourceType plan.ResourceType `json:"resourceType"`
	ResourceName string            `json:"resourceName"`
	RiskLevel    Tier              `json:"riskLevel"`
}

// Field is one label/value row of a summary card.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ChangeType classifies a diff row.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Change is one row of a diff card.
type Change struct {
	Field      string     `json:"field"`
	OldValue   string     `json:"oldValue"`
	NewValue   string     `json:"newValue"`
	ChangeType ChangeType `json:"changeType"`
}

type SummaryCard struct {
	CardHeader
	Fields []Field `json:"fields"`
}

type DiffCard struct {
	CardHeader
	Changes  []Change `json:"changes"`
	Warnings []string `json:"warnings,omitempty"`
}

// NameInputCard requires the operator to type ResourceName back before the
// batch runs.
type NameInputCard struct {
	CardHeader
	ImpactDescription string   `json:"impactDescription"`
	Warnings          []string `json:"warnings"`
}

func (c *SummaryCard) Type() CardType   { return CardSummary }
func (c *DiffCard) Type() CardType      { return CardDiff }
func (c *NameInputCard) Type() CardType { return CardNameInput }

func (c *SummaryCard) Header() CardHeader   { return c.CardHeader }
func (c *DiffCard) Header() CardHeader      { return c.CardHeader }
func (c *NameInputCard) Header() CardHeader { return c.CardHeader }

func (*SummaryCard) card()   {}
func (*DiffCard) card()      {}
func (*NameInputCard) card() {}

// DecodeCard decodes the JSON form of a card into its concrete variant.
func DecodeCard(data []byte) (Card, error) {
	var head struct {
		Kind CardType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("DecodeCard: %w", err)
	}
	var c Card
	switch head.Kind {
	case CardSummary:
		c = &SummaryCard{}
	case CardDiff:
		c = &DiffCard{}
	case CardNameInput:
		c = &NameInputCard{}
	default:
		return nil, fmt.Errorf("DecodeCard: unknown card type %q", head.Kind)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("DecodeCard: %w", err)
	}
	return c, nil
}

// BuildCard builds the card for one planned call. Deletes always produce a
// name-input card at high risk; an update without a current state falls back
// to a summary because there is nothing to diff against.
func BuildCard(toolName string, args, current map[string]any, tier Tier, warnings []string) Card {
	op, rt, _ := plan.Classify(toolName)
	name := plan.StringArg(args, "name")

	switch {
	case op == plan.OpDelete:
		return buildNameInputCard(rt, name, current, warnings)
	case op == plan.OpUpdate && current != nil:
		risk := tier.Raise(TierMedium)
		return &DiffCard{
			CardHeader: CardHeader{
				Kind:         CardDiff,
				Title:        fmt.Sprintf("Update %s: %s", resourceLabel(rt), name),
				ResourceType: rt,
				ResourceName: name,
				RiskLevel:    risk,
			},
			Changes:  diff(rt, current, args),
			Warnings: warnings,
		}
	}

	title := fmt.Sprintf("Create %s", resourceLabel(rt))
	if op == plan.OpUpdate {
		title = fmt.Sprintf("Update %s: %s", resourceLabel(rt), name)
	}
	return &SummaryCard{
		CardHeader: CardHeader{
			Kind:         CardSummary,
			Title:        title,
			ResourceType: rt,
			ResourceName: name,
			RiskLevel:    TierLow,
		},
		Fields: summaryFields(rt, args),
	}
}

func buildNameInputCard(rt plan.ResourceType, name string, current map[string]any, warnings []string) *NameInputCard {
	impact := fmt.Sprintf("Deleting %s %q cannot be undone automatically unless its prior state was captured.", resourceLabel(rt), name)
	if rt == plan.ResourceRoute {
		if ups, ok := plan.Upstreams(current); ok && len(ups) > 0 {
			impact = fmt.Sprintf("Route %q currently serves traffic to %s; requests matching it will start failing.",
				name, plan.DescribeUpstreams(ups))
		}
	} else if rt == plan.ResourceProvider {
		impact = fmt.Sprintf("Provider %q will be removed; routes that reference it will lose that upstream.", name)
	}
	if len(warnings) == 0 {
		warnings = []string{"This operation is irreversible without a rollback."}
	}
	return &NameInputCard{
		CardHeader: CardHeader{
			Kind:         CardNameInput,
			Title:        fmt.Sprintf("Delete %s: %s", resourceLabel(rt), name),
			ResourceType: rt,
			ResourceName: name,
			RiskLevel:    TierHigh,
		},
		ImpactDescription: impact,
		Warnings:          warnings,
	}
}

func summaryFields(rt plan.ResourceType, args map[string]any) []Field {
	fields := []Field{{Label: "Name", Value: plan.StringArg(args, "name")}}
	switch rt {
	case plan.ResourceProvider:
		if t := plan.StringArg(args, "type"); t != "" {
			fields = append(fields, Field{Label: "Type", Value: t})
		}
		if p := plan.StringArg(args, "protocol"); p != "" {
			fields = append(fields, Field{Label: "Protocol", Value: p})
		}
		if tokens := stringList(args["tokens"]); len(tokens) > 0 {
			masked := make([]string, len(tokens))
			for i, tok := range tokens {
				masked[i] = MaskAPIKey(tok)
			}
			fields = append(fields, Field{Label: "API keys", Value: strings.Join(masked, ", ")})
		}
	case plan.ResourceRoute:
		if ups, ok := plan.Upstreams(args); ok {
			fields = append(fields, Field{Label: "Upstreams", Value: plan.DescribeUpstreams(ups)})
		}
		if domains := stringList(args["domains"]); len(domains) > 0 {
			fields = append(fields, Field{Label: "Domains", Value: strings.Join(domains, ", ")})
		}
	}
	return fields
}

// diff compares the current resource with the requested args.
func diff(rt plan.ResourceType, current, args map[string]any) []Change {
	var changes []Change
	if rt == plan.ResourceRoute {
		newUps, hasNew := plan.Upstreams(args)
		oldUps, _ := plan.Upstreams(current)
		if hasNew {
			old := make(map[string]float64, len(oldUps))
			for _, u := range oldUps {
				old[u.Provider] = u.Weight
			}
			seen := make(map[string]bool, len(newUps))
			for _, u := range newUps {
				seen[u.Provider] = true
				label := u.Provider + " weight"
				prev, existed := old[u.Provider]
				switch {
				case !existed:
					changes = append(changes, Change{Field: label, OldValue: "none", NewValue: percent(u.Weight), ChangeType: ChangeAdded})
				case prev != u.Weight:
					changes = append(changes, Change{Field: label, OldValue: percent(prev), NewValue: percent(u.Weight), ChangeType: ChangeModified})
				}
			}
			for _, u := range oldUps {
				if !seen[u.Provider] {
					changes = append(changes, Change{Field: u.Provider + " weight", OldValue: percent(u.Weight), NewValue: "removed", ChangeType: ChangeRemoved})
				}
			}
		}
	}
	if len(changes) == 0 {
		changes = append(changes, Change{
			Field:      "configuration",
			OldValue:   "current configuration",
			NewValue:   "updated configuration",
			ChangeType: ChangeModified,
		})
	}
	return changes
}

func percent(w float64) string {
	return plan.FormatWeight(w) + "%"
}

func resourceLabel(rt plan.ResourceType) string {
	switch rt {
	case plan.ResourceProvider:
		return "AI provider"
	case plan.ResourceRoute:
		return "AI route"
	}
	return string(rt)
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
