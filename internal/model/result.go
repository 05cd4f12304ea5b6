package model

import "fmt"

// ResultType tags the variant carried by an IteratorResult.
type ResultType uint8

const (
	ResultMessageEvent ResultType = iota + 1
	ResultStamp
	ResultProblem
)

func (t ResultType) String() string {
	switch t {
	case ResultMessageEvent:
		return "message-event"
	case ResultStamp:
		return "stamp"
	case ResultProblem:
		return "problem"
	default:
		return fmt.Sprintf("ResultType(%d)", uint8(t))
	}
}

// Severity of a Problem.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
)

// MessageEvent is a single recorded message. Message holds the raw encoded
// payload; SchemaName tells a decoder how to read it.
type MessageEvent struct {
	Topic       string
	SchemaName  string
	ReceiveTime Time
	PublishTime Time
	Message     []byte
	SizeInBytes int
}

// Problem is a non-fatal condition delivered in-band with the results.
type Problem struct {
	Severity Severity `yaml:"severity" json:"severity"`
	Message  string   `yaml:"message" json:"message"`
	Tip      string   `yaml:"tip,omitempty" json:"tip,omitempty"`
	Err      string   `yaml:"error,omitempty" json:"error,omitempty"`
}

// IteratorResult is one element of a message iterator's output.
type IteratorResult struct {
	Type         ResultType
	MsgEvent     *MessageEvent
	Stamp        Time
	Problem      *Problem
	ConnectionID int
}

// NewMessageResult wraps a message event.
func NewMessageResult(ev MessageEvent) IteratorResult {
	return IteratorResult{Type: ResultMessageEvent, MsgEvent: &ev}
}

// NewStampResult reports progress up to t without a message.
func NewStampResult(t Time) IteratorResult {
	return IteratorResult{Type: ResultStamp, Stamp: t}
}

// NewProblemResult wraps a problem.
func NewProblemResult(p Problem) IteratorResult {
	return IteratorResult{Type: ResultProblem, Problem: &p}
}

// ComparableTime is the field iterators keep non-decreasing. Problems have none.
func (r IteratorResult) ComparableTime() (Time, bool) {
	switch r.Type {
	case ResultMessageEvent:
		if r.MsgEvent == nil {
			return Time{}, false
		}
		return r.MsgEvent.ReceiveTime, true
	case ResultStamp:
		return r.Stamp, true
	default:
		return Time{}, false
	}
}

func (r IteratorResult) String() string {
	switch r.Type {
	case ResultMessageEvent:
		return fmt.Sprintf("message-event(%s@%s)", r.MsgEvent.Topic, r.MsgEvent.ReceiveTime)
	case ResultStamp:
		return fmt.Sprintf("stamp(%s)", r.Stamp)
	case ResultProblem:
		return fmt.Sprintf("problem(%s: %s)", r.Problem.Severity, r.Problem.Message)
	default:
		return r.Type.String()
	}
}

// CheckOrdering returns an error if the comparable times in results ever decrease.
func CheckOrdering(results []IteratorResult) error {
	var last Time
	seen := false
	for i, r := range results {
		t, ok := r.ComparableTime()
		if !ok {
			continue
		}
		if seen && Compare(t, last) < 0 {
			return fmt.Errorf("result %d at %s precedes %s", i, t, last)
		}
		last, seen = t, true
	}
	return nil
}

// Topic describes one channel in a data source.
type Topic struct {
	Name       string `yaml:"name" json:"name"`
	SchemaName string `yaml:"schema" json:"schema"`
}

// TopicStats summarizes the messages recorded on a topic.
type TopicStats struct {
	NumMessages      int64 `yaml:"num_messages" json:"num_messages"`
	FirstMessageTime Time  `yaml:"first" json:"first"`
	LastMessageTime  Time  `yaml:"last" json:"last"`
}

// Initialization is what a source reports once, before any iteration.
type Initialization struct {
	Start      Time                  `yaml:"start" json:"start"`
	End        Time                  `yaml:"end" json:"end"`
	Topics     []Topic               `yaml:"topics" json:"topics"`
	TopicStats map[string]TopicStats `yaml:"topic_stats" json:"topic_stats"`
	Profile    string                `yaml:"profile,omitempty" json:"profile,omitempty"`
	Metadata   map[string]string     `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Problems   []Problem             `yaml:"problems,omitempty" json:"problems,omitempty"`
}
