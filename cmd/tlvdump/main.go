package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
)

func main() {
	input := flag.String("input", "-", "frame file to read, - for stdin")
	verifyAll := flag.Bool("verify-all", false, "also verify nonzero checksums on domains that do not seal frames")
	maxPayload := flag.Uint("max-payload", uint(frame.DefaultLimits().MaxPayloadBytes), "largest payload accepted in bytes")
	flag.Parse()

	if err := run(*input, *verifyAll, uint32(*maxPayload)); err != nil {
		fmt.Fprintf(os.Stderr, "tlvdump: %v\n", err)
		os.Exit(1)
	}
}

func run(input string, verifyAll bool, maxPayload uint32) error {
	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	stats, err := dump(bufio.NewReader(r), out, frame.Limits{MaxPayloadBytes: maxPayload}, verifyAll)
	fmt.Fprintf(os.Stderr, "frames=%d checksum_mismatches=%d invalid=%d\n", stats.Frames, stats.Mismatches, stats.Invalid)
	return err
}
