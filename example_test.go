package threadrun_test

import (
	"fmt"
	"time"

	"github.com/threadrun/threadrun"
)

func ExampleResolveOptions() {
	opts := threadrun.ResolveOptions(
		threadrun.WithPrompt("Hello, agent"),
		threadrun.WithModel("claude-sonnet-4-5-20250514"),
		threadrun.WithTimeout(30*time.Second),
	)
	fmt.Println(opts.Prompt)
	fmt.Println(opts.Model)
	fmt.Println(opts.Timeout)
	// Output:
	// Hello, agent
	// claude-sonnet-4-5-20250514
	// 30s
}

func ExampleResolveOptions_empty() {
	opts := threadrun.ResolveOptions()
	fmt.Println(opts.Prompt == "")
	fmt.Println(opts.Model == "")
	fmt.Println(opts.Timeout)
	// Output:
	// true
	// true
	// 0s
}

func ExampleWithPrompt() {
	opts := threadrun.ResolveOptions(threadrun.WithPrompt("Summarize this code"))
	fmt.Println(opts.Prompt)
	// Output: Summarize this code
}

func ExampleWithModel() {
	opts := threadrun.ResolveOptions(threadrun.WithModel("claude-sonnet-4-5-20250514"))
	fmt.Println(opts.Model)
	// Output: claude-sonnet-4-5-20250514
}

func ExampleWithTimeout() {
	opts := threadrun.ResolveOptions(threadrun.WithTimeout(10 * time.Second))
	fmt.Println(opts.Timeout)
	// Output: 10s
}
