package main

import (
	"flag"
	"fmt"
	"os"

	"pongarena/broker/internal/replay"
	"pongarena/broker/tools/recordings"
)

func main() {
	root := flag.String("dir", ".", "directory holding recording bundles (PONG_REPLAY_DIR)")
	show := flag.String("show", "", "decode a single bundle directory and print it as JSON")
	jsonFlag := flag.Bool("json", false, "emit the listing as JSON")
	flag.Parse()

	//1.- A single bundle is decoded in full.
	if *show != "" {
		bundle, err := replay.OpenBundle(*show)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		emit(bundle)
		return
	}

	entries, err := recordings.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *jsonFlag {
		emit(entries)
		return
	}
	for _, entry := range entries {
		fmt.Println(recordings.Describe(entry))
	}
}

func emit(v any) {
	payload, err := recordings.MarshalJSON(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
	fmt.Println(string(payload))
}
