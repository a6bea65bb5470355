package bytetrace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

// ErrMalformedTraceLine is returned for a line matching none of the trace record shapes.
var ErrMalformedTraceLine = errors.New("malformed trace line")

// EventKind classifies a trace record.
type EventKind uint8

const (
	EventLocals EventKind = iota
	EventBranch
	EventLoop
	EventCall
)

func (k EventKind) String() string {
	switch k {
	case EventLocals:
		return "locals"
	case EventBranch:
		return "branch"
	case EventLoop:
		return "loop"
	case EventCall:
		return "call"
	default:
		return "unknown"
	}
}

const (
	tagLocals      = "[Local Variables] "
	tagControlFlow = "[Control Flow] "
	tagMethodCall  = "[Method Call] "
	branchPrefix   = "Branch Info: Line: "
	loopPrefix     = "Loop Info: Line: "
	callPrefix     = "Call Stack: "
)

// TraceEvent is one parsed record of a trace stream.
type TraceEvent struct {
	Kind   EventKind `msgpack:"k" json:"kind"`
	Class  string    `msgpack:"c" json:"class"`
	Method string    `msgpack:"m" json:"method"`
	Line   int       `msgpack:"l" json:"line"`
	// Locals is the JSON object of a locals record.
	Locals string `msgpack:"v,omitempty" json:"locals,omitempty"`
	// Condition and Executed describe a branch record.
	Condition string `msgpack:"cd,omitempty" json:"condition,omitempty"`
	Executed  bool   `msgpack:"x,omitempty" json:"executed,omitempty"`
	// Description describes a loop record.
	Description string `msgpack:"d,omitempty" json:"description,omitempty"`
	// Callee is the "pkg.Class.method" called by a call record.
	Callee string `msgpack:"ce,omitempty" json:"callee,omitempty"`
}

// Identity returns the "pkg.Class::method" of the recording method.
func (e TraceEvent) Identity() string {
	return e.Class + "::" + e.Method
}

// String renders the event in its trace line form.
func (e TraceEvent) String() string {
	head := e.Class + ":" + e.Method + ":" + strconv.Itoa(e.Line) + "->"
	switch e.Kind {
	case EventLocals:
		return head + tagLocals + e.Locals
	case EventBranch:
		return fmt.Sprintf("%s%s%s%d, Condition: %s, Executed: %t",
			head, tagControlFlow, branchPrefix, e.Line, e.Condition, e.Executed)
	case EventLoop:
		return fmt.Sprintf("%s%s%s%d, Description: %s", head, tagControlFlow, loopPrefix, e.Line, e.Description)
	case EventCall:
		return fmt.Sprintf("%s%s%s%s.%s:%d -> %s", head, tagMethodCall, callPrefix, e.Class, e.Method, e.Line, e.Callee)
	}
	return head
}

// ParseTraceLine parses a single record of either trace stream.
func ParseTraceLine(line string) (TraceEvent, error) {
	head, body, ok := strings.Cut(line, "->[")
	if !ok {
		return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
	}
	body = "[" + body

	var ev TraceEvent
	lineSep := strings.LastIndexByte(head, ':')
	if lineSep < 0 {
		return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
	}
	n, err := strconv.Atoi(head[lineSep+1:])
	if err != nil {
		return TraceEvent{}, fmt.Errorf("%w: bad line number: %q", ErrMalformedTraceLine, line)
	}
	ev.Line = n
	methodSep := strings.LastIndexByte(head[:lineSep], ':')
	if methodSep <= 0 {
		return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
	}
	ev.Class, ev.Method = head[:methodSep], head[methodSep+1:lineSep]

	switch {
	case strings.HasPrefix(body, tagLocals):
		ev.Kind = EventLocals
		ev.Locals = body[len(tagLocals):]
	case strings.HasPrefix(body, tagControlFlow+branchPrefix):
		ev.Kind = EventBranch
		rest := body[len(tagControlFlow+branchPrefix):]
		condAt := strings.Index(rest, ", Condition: ")
		execAt := strings.LastIndex(rest, ", Executed: ")
		if condAt < 0 || execAt < condAt {
			return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
		}
		ev.Condition = rest[condAt+len(", Condition: ") : execAt]
		if ev.Executed, err = strconv.ParseBool(rest[execAt+len(", Executed: "):]); err != nil {
			return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
		}
	case strings.HasPrefix(body, tagControlFlow+loopPrefix):
		ev.Kind = EventLoop
		_, desc, ok := strings.Cut(body, ", Description: ")
		if !ok {
			return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
		}
		ev.Description = desc
	case strings.HasPrefix(body, tagMethodCall+callPrefix):
		ev.Kind = EventCall
		_, callee, ok := strings.Cut(body, " -> ")
		if !ok {
			return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
		}
		ev.Callee = callee
	default:
		return TraceEvent{}, fmt.Errorf("%w: %q", ErrMalformedTraceLine, line)
	}
	return ev, nil
}

// ParseTrace reads every record from r. Malformed lines are logged and skipped.
func ParseTrace(r io.Reader) ([]TraceEvent, error) {
	var events []TraceEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		ev, err := ParseTraceLine(line)
		if err != nil {
			log.Printf("%sskipping trace record: %v", ErrorLogPrefix, err)
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// ReadTraceFile reads a rotated trace stream, the backup (older records) first. A missing file reads as empty.
func ReadTraceFile(path string) ([]TraceEvent, error) {
	var events []TraceEvent
	for _, p := range []string{path + RotatedSuffix, path} {
		f, err := os.Open(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("open trace failed: %w", err)
		}
		fileEvents, err := ParseTrace(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read trace %s failed: %w", p, err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

// LoadTrace reads the diff stream, falling back to the verbose stream when the diff stream holds no records.
func LoadTrace(diffPath, verbosePath string) ([]TraceEvent, error) {
	events, err := ReadTraceFile(diffPath)
	if err != nil {
		return nil, err
	} else if len(events) > 0 || verbosePath == "" {
		return events, nil
	}
	return ReadTraceFile(verbosePath)
}

// CalledMethods returns the distinct callees of call records in first seen order, excluding constructors and
// platform library owners.
func CalledMethods(events []TraceEvent) []string {
	calls := bulk.SliceFilter(func(e TraceEvent) bool {
		if e.Kind != EventCall {
			return false
		}
		owner, method := splitCallee(e.Callee)
		return method != "<init>" && !strings.HasPrefix(owner, "java.") && !strings.HasPrefix(owner, "javax.")
	}, events)

	seen := make(map[string]bool, len(calls))
	var result []string
	for _, e := range calls {
		if !seen[e.Callee] {
			seen[e.Callee] = true
			result = append(result, e.Callee)
		}
	}
	return result
}

// splitCallee separates "pkg.Class.method" into owner and method.
func splitCallee(callee string) (string, string) {
	if i := strings.LastIndexByte(callee, '.'); i >= 0 {
		return callee[:i], callee[i+1:]
	}
	return "", callee
}
