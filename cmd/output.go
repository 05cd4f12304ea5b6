package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/withobsrvr/flowscope/internal/model"
)

const previewLen = 60

var topicColors = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgMagenta),
	color.New(color.FgBlue),
	color.New(color.FgYellow),
	color.New(color.FgGreen),
}

// topicColor assigns each topic a stable color.
func topicColor(topic string) *color.Color {
	hash := 0
	for _, c := range topic {
		hash += int(c)
	}
	return topicColors[hash%len(topicColors)]
}

// printMessage writes one message line: time, topic, schema, size and a
// preview of the payload.
func printMessage(w io.Writer, ev model.MessageEvent) {
	fmt.Fprintf(w, "[%s] ", ev.ReceiveTime)
	topicColor(ev.Topic).Fprintf(w, "%-24s ", ev.Topic)
	fmt.Fprintf(w, "%-20s %7dB  %s\n", ev.SchemaName, len(ev.Message), preview(ev.Message))
}

// printProblem writes a problem in its severity's color.
func printProblem(w io.Writer, p model.Problem) {
	c := color.New(color.FgWhite)
	switch p.Severity {
	case model.SeverityError:
		c = color.New(color.FgRed, color.Bold)
	case model.SeverityWarn:
		c = color.New(color.FgYellow)
	}
	c.Fprintf(w, "%-5s ", p.Severity)
	fmt.Fprint(w, p.Message)
	if p.Err != "" {
		fmt.Fprintf(w, ": %s", p.Err)
	}
	if p.Tip != "" {
		fmt.Fprintf(w, " (%s)", p.Tip)
	}
	fmt.Fprintln(w)
}

func printResult(w io.Writer, r model.IteratorResult) {
	switch r.Type {
	case model.ResultMessageEvent:
		printMessage(w, *r.MsgEvent)
	case model.ResultStamp:
		color.New(color.Faint).Fprintf(w, "[%s] stamp\n", r.Stamp)
	case model.ResultProblem:
		printProblem(w, *r.Problem)
	}
}

// preview shows printable payloads inline and summarizes binary ones.
func preview(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if !utf8.Valid(b) {
		return fmt.Sprintf("<binary %x…>", b[:min(len(b), 8)])
	}
	s := string(b)
	if utf8.RuneCountInString(s) > previewLen {
		s = string([]rune(s)[:previewLen]) + "…"
	}
	return s
}

// writeStructured renders v as yaml or json when the output flag asks for it.
// It reports false for table output.
func writeStructured(v any) (bool, error) {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return true, enc.Encode(v)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unsupported output format %q", output)
	}
}
