package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkd/internal/node"
	"github.com/srg/linkd/internal/status"
)

// streamSink writes node messages as JSON lines and status changes as coloured text
type streamSink struct {
	mu     sync.Mutex
	out    io.Writer
	enc    *json.Encoder
	logger *logrus.Logger
}

func newStreamSink(out io.Writer, logger *logrus.Logger) *streamSink {
	return &streamSink{out: out, enc: json.NewEncoder(out), logger: logger}
}

type messageLine struct {
	Node    string `json:"node"`
	Output  int    `json:"output"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *streamSink) Send(msg node.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(messageLine{Node: msg.Node, Output: msg.Output, Topic: msg.Topic, Payload: msg.Payload}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"node":  msg.Node,
			"error": err,
		}).Warn("Failed to write message")
	}
}

func (s *streamSink) Status(name string, st status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s %s\n", name, formatStatus(st))
}

var fillColors = map[status.Fill]*color.Color{
	status.Green:  color.New(color.FgGreen),
	status.Yellow: color.New(color.FgYellow),
	status.Red:    color.New(color.FgRed),
	status.Grey:   color.New(color.FgHiBlack),
}

// formatStatus renders a status indicator; a ring is hollow, a dot is filled
func formatStatus(st status.Status) string {
	mark := "●"
	if st.Shape == status.Ring {
		mark = "○"
	}
	c, ok := fillColors[st.Fill]
	if !ok {
		return mark + " " + st.Text
	}
	return c.Sprint(mark) + " " + st.Text
}
