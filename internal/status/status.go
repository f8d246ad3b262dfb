// Package status describes the coloured indicator each node shows to the user.
package status

import "fmt"

// Fill is the indicator colour
type Fill string

const (
	Green  Fill = "green"
	Yellow Fill = "yellow"
	Red    Fill = "red"
	Grey   Fill = "grey"
)

// Shape is the indicator outline
type Shape string

const (
	Dot  Shape = "dot"
	Ring Shape = "ring"
)

// Status is a user visible {fill, shape, text} triple
type Status struct {
	Fill  Fill   `json:"fill"`
	Shape Shape  `json:"shape"`
	Text  string `json:"text"`
}

func (s Status) String() string {
	return fmt.Sprintf("[%s] %s", s.Fill, s.Text)
}

func Scanning(found int) Status {
	return Status{Fill: Green, Shape: Dot, Text: fmt.Sprintf("scanning. found %d", found)}
}

func Starting() Status    { return Status{Fill: Yellow, Shape: Ring, Text: "starting scan"} }
func Stopping() Status    { return Status{Fill: Yellow, Shape: Ring, Text: "stopping scan"} }
func Suspending() Status  { return Status{Fill: Yellow, Shape: Ring, Text: "suspending"} }
func Interrupted() Status { return Status{Fill: Yellow, Shape: Ring, Text: "interrupted"} }
func Idle() Status        { return Status{Fill: Grey, Shape: Ring, Text: "idle"} }
func Connecting() Status  { return Status{Fill: Yellow, Shape: Ring, Text: "connecting"} }
func Connected() Status   { return Status{Fill: Green, Shape: Dot, Text: "connected"} }

func Disconnecting() Status {
	return Status{Fill: Yellow, Shape: Dot, Text: "disconnecting"}
}

func Disconnected() Status {
	return Status{Fill: Grey, Shape: Ring, Text: "disconnected"}
}

func Notifications(n uint64) Status {
	return Status{Fill: Green, Shape: Dot, Text: fmt.Sprintf("%d notifications", n)}
}

// Error shows text with a red ring
func Error(text string) Status {
	return Status{Fill: Red, Shape: Ring, Text: text}
}
