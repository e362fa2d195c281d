package main

import (
	"flag"
	"time"
)

type options struct {
	target           string
	json             bool
	watch            bool
	interval         time.Duration
	heapProfile      string
	goroutineProfile string
	version          bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://localhost:6060", "shardbd base URL")
	flag.BoolVar(&opts.json, "json", false, "print the raw snapshot as JSON instead of a text summary")
	flag.BoolVar(&opts.watch, "watch", false, "poll the snapshot endpoint on -interval until interrupted")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval in -watch mode")
	flag.StringVar(&opts.heapProfile, "heap-profile", "", "download a heap profile to this path instead of printing a snapshot")
	flag.StringVar(&opts.goroutineProfile, "goroutine-profile", "", "download a goroutine profile to this path instead of printing a snapshot")
	flag.BoolVar(&opts.version, "version", false, "print the inspector's own version and exit")
	flag.Parse()
	return opts
}
