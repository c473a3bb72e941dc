package extractor

import (
	"testing"

	"github.com/nalgeon/be"

	"mailschedule/internal/apperr"
)

func TestParseJSONReply(t *testing.T) {
	p, err := ParseResponse(`{
		"is_spam": false,
		"summary": "Quarterly review",
		"has_schedule": true,
		"events": [
			{"name": "Review", "date": "2024-01-20", "start_time": "09:00", "end_time": "11:00",
			 "location": "Room A", "participants": "John <john@x.com>"}
		]
	}`)
	be.Err(t, err, nil)
	be.True(t, !p.IsSpam)
	be.True(t, p.HasSchedule)
	be.Equal(t, p.Reason, "Quarterly review")
	be.Equal(t, len(p.Events), 1)
	be.Equal(t, p.Events[0].Name, "Review")
	be.Equal(t, p.Events[0].StartTime, "09:00")
	be.Equal(t, p.Events[0].Location, "Room A")
}

func TestParseJSONFencedAndLoose(t *testing.T) {
	p, err := ParseResponse("```json\n{\"is_spam\": \"Yes\", \"reason\": \"lottery\", \"summary\": \"ignored\", \"events\": null}\n```")
	be.Err(t, err, nil)
	be.True(t, p.IsSpam)
	be.Equal(t, p.Reason, "lottery")
	be.Equal(t, len(p.Events), 0)
}

func TestParseJSONParticipantsArray(t *testing.T) {
	p, err := ParseResponse(`{"events":[{"name":"Sync","participants":["a@x.com","B <b@y.org>"],"start_time":null}]}`)
	be.Err(t, err, nil)
	be.Equal(t, p.Events[0].Participants, "a@x.com, B <b@y.org>")
	be.Equal(t, p.Events[0].StartTime, "")
}

func TestParseLabels(t *testing.T) {
	text := `【Spam Judgment】：No
【Summary】：Project kickoff next week
【Schedule Judgment】：Yes
【Schedule Name】：Kickoff
【Date】：Tomorrow
【Start Time】：14:00
【End Time】：Unknown
【Location】：None
【Participants】：Ann <ann@x.com>, Bob`

	p, err := ParseResponse(text)
	be.Err(t, err, nil)
	be.True(t, !p.IsSpam)
	be.True(t, p.HasSchedule)
	be.Equal(t, p.Reason, "Project kickoff next week")
	be.Equal(t, len(p.Events), 1)
	be.Equal(t, p.Events[0].Name, "Kickoff")
	be.Equal(t, p.Events[0].Date, "Tomorrow")
	be.Equal(t, p.Events[0].StartTime, "14:00")
	be.Equal(t, p.Events[0].EndTime, "Unknown")
	be.Equal(t, p.Events[0].Location, "")
	be.Equal(t, p.Events[0].Participants, "Ann <ann@x.com>, Bob")
}

func TestParseLabelsReasonPreferredOverSummary(t *testing.T) {
	p, err := ParseResponse("【Spam Judgment】：Yes【Reason】：Lottery scam【Summary】：You won")
	be.Err(t, err, nil)
	be.True(t, p.IsSpam)
	be.Equal(t, p.Reason, "Lottery scam")
}

func TestParseLabelsBooleans(t *testing.T) {
	p, err := ParseResponse("【Spam Judgment】：Maybe\n【Schedule Judgment】：Yesterday")
	be.Err(t, err, nil)
	be.True(t, !p.IsSpam)
	be.True(t, !p.HasSchedule)
}

func TestParseLabelsChineseAndRepeated(t *testing.T) {
	text := `【垃圾邮件判断】：No
【摘要】：两个会议
【日程判断】：Yes
【日程名称】：A
【开始时间】：2024-02-01 09:00
【日程名称】：B
【开始时间】：10:30`

	p, err := ParseResponse(text)
	be.Err(t, err, nil)
	be.Equal(t, p.Reason, "两个会议")
	be.Equal(t, len(p.Events), 2)
	be.Equal(t, p.Events[0].Name, "A")
	be.Equal(t, p.Events[0].Date, "2024-02-01")
	be.Equal(t, p.Events[0].StartTime, "09:00")
	be.Equal(t, p.Events[1].Name, "B")
	be.Equal(t, p.Events[1].StartTime, "10:30")

	p, err = ParseResponse(`【垃圾邮件判断】：No
【邮件总结】：周会
【日程判断】：Yes
【日程名称】：周会
【参与人】：Ann <ann@x.com>`)
	be.Err(t, err, nil)
	be.Equal(t, p.Reason, "周会")
	be.Equal(t, len(p.Events), 1)
	be.Equal(t, p.Events[0].Participants, "Ann <ann@x.com>")
}

func TestParseLabelsSparseFields(t *testing.T) {
	text := `【Schedule Judgment】：Yes
【Schedule Name】：A
【Start Time】：09:00
【Schedule Name】：B
【Date】：2024-03-05
【Start Time】：10:00
【Location】：Room 2`

	p, err := ParseResponse(text)
	be.Err(t, err, nil)
	be.Equal(t, len(p.Events), 2)
	be.Equal(t, p.Events[0].Name, "A")
	be.Equal(t, p.Events[0].Date, "")
	be.Equal(t, p.Events[0].Location, "")
	be.Equal(t, p.Events[1].Name, "B")
	be.Equal(t, p.Events[1].Date, "2024-03-05")
	be.Equal(t, p.Events[1].Location, "Room 2")
}

func TestParseLabelsFieldsBeforeName(t *testing.T) {
	p, err := ParseResponse("【Date】：Today\n【Schedule Name】：Standup\n【Start Time】：09:15")
	be.Err(t, err, nil)
	be.Equal(t, len(p.Events), 1)
	be.Equal(t, p.Events[0].Name, "Standup")
	be.Equal(t, p.Events[0].Date, "Today")
	be.Equal(t, p.Events[0].StartTime, "09:15")
}

func TestParseLabelsWithBracesInValues(t *testing.T) {
	text := `【Spam Judgment】：No
【Summary】：Config uses {} placeholders, e.g. {"a":1}
【Schedule Judgment】：Yes
【Schedule Name】：Review`

	p, err := ParseResponse(text)
	be.Err(t, err, nil)
	be.True(t, p.HasSchedule)
	be.Equal(t, p.Reason, `Config uses {} placeholders, e.g. {"a":1}`)
	be.Equal(t, p.Events[0].Name, "Review")
}

func TestParseJSONInProse(t *testing.T) {
	p, err := ParseResponse(`Here is the analysis: {"is_spam": false, "has_schedule": true, "events": [{"name": "Demo"}]}`)
	be.Err(t, err, nil)
	be.True(t, p.HasSchedule)
	be.Equal(t, p.Events[0].Name, "Demo")

	_, err = ParseResponse(`Nothing to report {}`)
	be.Err(t, err, apperr.ErrExtraction)
}

func TestParseUnrecognized(t *testing.T) {
	for _, text := range []string{
		"",
		"I could not analyze this email.",
		`{"is_spam": tru`,
		`{"is_spam": "perhaps"}`,
		"【Whatever】：x",
	} {
		_, err := ParseResponse(text)
		be.Err(t, err, apperr.ErrExtraction)
	}
}

func TestParseDraft(t *testing.T) {
	d := ParseDraft("【Email Subject】：Team sync\n【Email Content】：Hi all,\nSee you at 2pm.")
	be.Equal(t, d.Subject, "Team sync")
	be.Equal(t, d.Content, "Hi all,\nSee you at 2pm.")

	d = ParseDraft("Subject: Budget\n\nDear team,\nPlease review.")
	be.Equal(t, d.Subject, "Budget")
	be.Equal(t, d.Content, "Dear team,\nPlease review.")
}
