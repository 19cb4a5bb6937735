package main

import (
	"flag"
	"fmt"
	"os"

	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

// inspect dumps raw store keys (and optionally values) by prefix.
func main() {
	var (
		dbPath = flag.String("db", "", "pebble db path")
		prefix = flag.String("prefix", "", "key prefix filter (empty = all)")
		values = flag.Bool("values", false, "print values too")
	)
	flag.Parse()
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.Init()

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	keys, err := st.ListKeys(*prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list keys: %v\n", err)
		os.Exit(1)
	}
	for _, k := range keys {
		if !*values {
			fmt.Println(k)
			continue
		}
		v, verr := st.GetKey(k)
		if verr != nil {
			fmt.Printf("%s\t<error: %v>\n", k, verr)
			continue
		}
		fmt.Printf("%s\t%s\n", k, v)
	}
}
