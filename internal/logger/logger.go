package logger

import (
	"io"
	"log"
	"os"
)

// Log is the process-wide logger. It writes to stderr until Init is called.
var Log = log.New(os.Stderr, "", log.LstdFlags)

// Init sends Log to an append-only file, plus any extra writers (the serve
// command mirrors to stderr).
func Init(logFilePath string, extra ...io.Writer) error {
	file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}

	var out io.Writer = file
	if len(extra) > 0 {
		out = io.MultiWriter(append([]io.Writer{file}, extra...)...)
	}
	Log = log.New(out, "", log.LstdFlags)
	Log.Println("Logger initialized.")
	return nil
}
