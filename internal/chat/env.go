package chat

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/relaykit/relay/internal/llm"
)

const environmentAckText = "Got it. Thanks for the context!"

// defaultEnvironment describes the execution environment: date, platform
// and working directory. A rebuilt session opens with this turn so the
// model keeps its grounding after compression.
func defaultEnvironment() llm.Content {
	var b strings.Builder
	b.WriteString("This is the relay CLI. We are setting up the context for our chat.\n")
	fmt.Fprintf(&b, "Today's date is %s.\n", time.Now().Format("Monday, January 2, 2006"))
	fmt.Fprintf(&b, "My operating system is: %s\n", runtime.GOOS)
	if wd, err := os.Getwd(); err == nil {
		fmt.Fprintf(&b, "I'm currently working in the directory: %s\n", wd)
	}
	return llm.UserText(b.String())
}

// environmentContents returns the environment preamble pair: the user
// turn describing the environment and the model's acknowledgment.
func (o *Orchestrator) environmentContents() []llm.Content {
	return []llm.Content{o.environment(), llm.ModelText(environmentAckText)}
}
