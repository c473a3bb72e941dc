package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"mailschedule/internal/apperr"
	"mailschedule/internal/normalizer"
)

// Parsed is the model reply before date/time resolution. Both reply shapes
// end up here.
type Parsed struct {
	IsSpam      bool
	Reason      string
	HasSchedule bool
	Events      []normalizer.RawEvent
}

// ParseResponse reads a model reply. The JSON object contract is tried first,
// then the bracket-label text contract. A reply matching neither is an
// extraction failure with no partial result.
func ParseResponse(text string) (*Parsed, error) {
	// 以标签开头的回复里出现的 {...} 属于字段内容
	if strings.HasPrefix(strings.TrimSpace(text), "【") {
		if p, ok := parseLabels(text); ok {
			return p, nil
		}
	}
	if p, err := parseJSON(text); err == nil {
		return p, nil
	}
	if p, ok := parseLabels(text); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: unrecognized model response", apperr.ErrExtraction)
}

// flexBool accepts JSON booleans as well as "true"/"Yes" style strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(string(data)), `"`))
	switch s {
	case "true", "yes", "1":
		*b = true
	case "false", "no", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("not a boolean: %s", data)
	}
	return nil
}

// flexString accepts strings, numbers, null, and string arrays (joined with ", ").
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*s = ""
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
	case data[0] == '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*s = flexString(strings.Join(items, ", "))
	default:
		*s = flexString(data)
	}
	return nil
}

type jsonEvent struct {
	Name         flexString `json:"name"`
	Date         flexString `json:"date"`
	StartTime    flexString `json:"start_time"`
	EndTime      flexString `json:"end_time"`
	Location     flexString `json:"location"`
	Participants flexString `json:"participants"`
}

type jsonReply struct {
	IsSpam      flexBool    `json:"is_spam"`
	Reason      string      `json:"reason"`
	JudgeReason string      `json:"judge_reason"`
	Summary     string      `json:"summary"`
	HasSchedule flexBool    `json:"has_schedule"`
	Events      []jsonEvent `json:"events"`
}

var errNotJSON = errors.New("no JSON object in reply")

func parseJSON(text string) (*Parsed, error) {
	body := jsonObject(text)
	if body == nil {
		return nil, errNotJSON
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, err
	}
	if !hasContractKey(keys) {
		return nil, errNotJSON
	}

	var reply jsonReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, err
	}

	p := &Parsed{
		IsSpam:      bool(reply.IsSpam),
		Reason:      firstPresent(reply.Reason, reply.JudgeReason, reply.Summary),
		HasSchedule: bool(reply.HasSchedule),
	}
	for _, e := range reply.Events {
		p.Events = append(p.Events, normalizer.RawEvent{
			Name:         string(e.Name),
			Date:         string(e.Date),
			StartTime:    string(e.StartTime),
			EndTime:      string(e.EndTime),
			Location:     string(e.Location),
			Participants: string(e.Participants),
		})
	}
	return p, nil
}

var contractKeys = []string{"is_spam", "reason", "judge_reason", "summary", "has_schedule", "events"}

// hasContractKey rejects stray objects such as "{}" quoted in prose.
func hasContractKey(keys map[string]json.RawMessage) bool {
	for _, k := range contractKeys {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// jsonObject strips code fences and surrounding prose, returning the outermost {...}.
func jsonObject(text string) []byte {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	}
	start := strings.IndexByte(t, '{')
	end := strings.LastIndexByte(t, '}')
	if start < 0 || end <= start {
		return nil
	}
	return bytes.TrimSpace([]byte(t[start : end+1]))
}

type labelField int

const (
	fieldUnknown labelField = iota
	fieldSpam
	fieldReason
	fieldSummary
	fieldSchedule
	fieldName
	fieldDate
	fieldStart
	fieldEnd
	fieldLocation
	fieldParticipants
	fieldSubject
	fieldContent
)

var labelAliases = map[string]labelField{
	"spam judgment":     fieldSpam,
	"spam":              fieldSpam,
	"垃圾邮件判断":            fieldSpam,
	"是否垃圾邮件":            fieldSpam,
	"reason":            fieldReason,
	"judgment reason":   fieldReason,
	"judge reason":      fieldReason,
	"spam reason":       fieldReason,
	"判断理由":              fieldReason,
	"理由":                fieldReason,
	"summary":           fieldSummary,
	"email summary":     fieldSummary,
	"摘要":                fieldSummary,
	"邮件摘要":              fieldSummary,
	"邮件总结":              fieldSummary,
	"schedule judgment": fieldSchedule,
	"has schedule":      fieldSchedule,
	"日程判断":              fieldSchedule,
	"是否包含日程":            fieldSchedule,
	"schedule name":     fieldName,
	"event name":        fieldName,
	"日程名称":              fieldName,
	"date":              fieldDate,
	"schedule date":     fieldDate,
	"日期":                fieldDate,
	"start time":        fieldStart,
	"开始时间":              fieldStart,
	"end time":          fieldEnd,
	"结束时间":              fieldEnd,
	"location":          fieldLocation,
	"地点":                fieldLocation,
	"participants":      fieldParticipants,
	"attendees":         fieldParticipants,
	"参与人员":              fieldParticipants,
	"参与者":               fieldParticipants,
	"参与人":               fieldParticipants,
	"email subject":     fieldSubject,
	"邮件主题":              fieldSubject,
	"email content":     fieldContent,
	"邮件内容":              fieldContent,
}

var labelPattern = regexp.MustCompile(`【([^】]+)】[：:]?`)

type labeled struct {
	field labelField
	value string
}

// scanLabels splits text at every 【Label】 marker. Each value runs to the
// next marker or the end of text.
func scanLabels(text string) []labeled {
	locs := labelPattern.FindAllStringSubmatchIndex(text, -1)
	out := make([]labeled, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		name := strings.ToLower(strings.TrimSpace(text[loc[2]:loc[3]]))
		out = append(out, labeled{
			field: labelAliases[name],
			value: strings.TrimSpace(text[loc[1]:end]),
		})
	}
	return out
}

var yesNo = regexp.MustCompile(`^(Yes|No)\b`)

// labelBool is true only for a leading "Yes".
func labelBool(v string) bool {
	m := yesNo.FindStringSubmatch(v)
	return m != nil && m[1] == "Yes"
}

func parseLabels(text string) (*Parsed, bool) {
	items := scanLabels(text)
	known := 0
	p := &Parsed{}
	var reason, summary string

	// 每个【Schedule Name】开始一个新日程，后面的字段归当前日程
	named := false
	current := func() *normalizer.RawEvent {
		if len(p.Events) == 0 {
			p.Events = append(p.Events, normalizer.RawEvent{})
		}
		return &p.Events[len(p.Events)-1]
	}
	startEvent := func() *normalizer.RawEvent {
		if len(p.Events) == 0 || named {
			p.Events = append(p.Events, normalizer.RawEvent{})
		}
		named = true
		return current()
	}

	for _, it := range items {
		if it.field == fieldUnknown {
			continue
		}
		known++
		v := it.value
		if v == "None" {
			v = ""
		}
		switch it.field {
		case fieldSpam:
			p.IsSpam = labelBool(v)
		case fieldSchedule:
			p.HasSchedule = labelBool(v)
		case fieldReason:
			reason = v
		case fieldSummary:
			summary = v
		case fieldName:
			startEvent().Name = v
		case fieldDate:
			current().Date = v
		case fieldStart:
			ev := current()
			ev.StartTime = splitDateTime(v, ev)
		case fieldEnd:
			ev := current()
			ev.EndTime = splitDateTime(v, ev)
		case fieldLocation:
			current().Location = v
		case fieldParticipants:
			current().Participants = v
		}
	}
	if known == 0 {
		return nil, false
	}
	p.Reason = firstPresent(reason, summary)
	return p, true
}

// splitDateTime handles "2024-01-20 14:00" in a time label: the date part
// fills ev.Date when the event has none, the clock part is returned.
func splitDateTime(v string, ev *normalizer.RawEvent) string {
	i := strings.LastIndexByte(v, ' ')
	if i < 0 {
		return v
	}
	clock := v[i+1:]
	if _, _, ok := normalizer.ParseClock(clock); !ok {
		return v
	}
	if ev.Date == "" {
		ev.Date = strings.TrimSpace(v[:i])
	}
	return clock
}

func firstPresent(vals ...string) string {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" && v != "None" {
			return v
		}
	}
	return ""
}
