package listener

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// ErrExit is returned by GetInput when the user closes the console with
// Ctrl-C or Ctrl-D.
var ErrExit = errors.New("console closed")

var rl *readline.Instance
var mu sync.Mutex
var holdAsync bool
var heldLines []string

// out receives printed lines when no readline instance is active.
var out io.Writer = os.Stdout

func Init(prompt string) error {
	if prompt == "" {
		prompt = "> "
	}
	inst, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	mu.Lock()
	rl = inst
	mu.Unlock()
	return nil
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		_ = rl.Close()
		rl = nil
	}
}

func SetPrompt(p string) {
	mu.Lock()
	defer mu.Unlock()
	if rl != nil {
		rl.SetPrompt(p)
	}
}

// BeginInteractive holds asynchronous output until EndInteractive, so a
// question is not scrolled away by log lines.
func BeginInteractive() {
	mu.Lock()
	holdAsync = true
	mu.Unlock()
}

func EndInteractive() {
	mu.Lock()
	defer mu.Unlock()
	holdAsync = false
	for _, s := range heldLines {
		writeUnlocked(s)
	}
	heldLines = nil
	if rl != nil {
		rl.Refresh()
	}
}

func writeUnlocked(s string) {
	if rl == nil {
		fmt.Fprintln(out, s)
		return
	}
	_, _ = rl.Write([]byte("\r\n" + s + "\r\n"))
}

func PrintAbove(s string) {
	mu.Lock()
	defer mu.Unlock()
	writeUnlocked(s)
	if rl != nil {
		rl.Refresh()
	}
}

// GetInput reads one trimmed line.
func GetInput() (string, error) {
	mu.Lock()
	inst := rl
	mu.Unlock()
	if inst == nil {
		return "", ErrExit
	}
	line, err := inst.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return "", ErrExit
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func GetConfirmation(prompt string) string {
	mu.Lock()
	inst := rl
	if inst == nil {
		mu.Unlock()
		return ""
	}
	old := inst.Config.Prompt
	inst.SetPrompt(prompt)
	mu.Unlock()

	line, err := inst.Readline()
	if err != nil {
		line = ""
	}
	ans := strings.TrimSpace(strings.ToLower(line))

	mu.Lock()
	inst.SetPrompt(old)
	mu.Unlock()
	return ans
}

func AsyncPrintln(s string) {
	mu.Lock()
	defer mu.Unlock()
	if holdAsync {
		heldLines = append(heldLines, s)
		return
	}
	writeUnlocked(s)
	if rl != nil {
		rl.Refresh()
	}
}

// AskYesNo keeps asking until it gets a yes or a no. A closed console
// counts as no.
func AskYesNo(question string) bool {
	BeginInteractive()
	defer EndInteractive()

	PrintAbove(question + " [y/n]")

	for i := 0; i < 5; i++ {
		ans := GetConfirmation("> ")
		switch ans {
		case "y", "yes":
			return true
		case "n", "no", "":
			return false
		}
		PrintAbove("Please answer y/n.")
	}
	return false
}
