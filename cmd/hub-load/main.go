// Command hub-load is a hub load generator. It runs a number of
// client connections to a server, subscribes each of them to a set
// of channels, publishes at a given rate for a given duration, and
// collects delivery statistics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"golang.org/x/net/context"

	"github.com/gorilla/websocket"

	"github.com/anephenix/hub-sub000/client"
)

var (
	addrFlag     = flag.String("addr", "ws://localhost:9000/ws", "Server `address`.")
	connFlag     = flag.Int("c", 100, "Number of `connections`.")
	durationFlag = flag.Duration("d", 10*time.Second, "Run `duration`.")
	delayFlag    = flag.Duration("delay", 0, "Start execution after `delay`.")
	helpFlag     = flag.Bool("help", false, "Show help.")
	numChansFlag = flag.Int("n", 1, "Number of `channels` to spread the connections over.")
	payloadFlag  = flag.String("p", "100", "Publish `payload`.")
	pubRateFlag  = flag.Duration("r", 100*time.Millisecond, "Publish `rate` per connection.")
	timeoutFlag  = flag.Duration("t", time.Second, "Reply `timeout`.")
	chanFlag     = flag.String("u", "load", "Channel name `prefix`.")
	waitFlag     = flag.Duration("w", 5*time.Second, "Wait `duration` for connections to stop.")
)

var (
	fnMap = template.FuncMap{
		"subi": subiFn,
		"subd": subdFn,
		"subf": subfFn,
		"avg":  avgFn,
		"pctl": pctlFn,
	}

	tpl = template.Must(template.New("output").Funcs(fnMap).Parse(`
--- CONFIGURATION

Address:    {{ .Run.Addr }}
Channel:    {{ .Run.Channel }} x {{ .Run.NChans }}
Payload:    {{ .Run.Payload }}

Connections: {{ .Run.Conns }}
Rate:        {{ .Run.Rate | printf "%s" }}
Timeout:     {{ .Run.Timeout | printf "%s" }}
Duration:    {{ .Run.Duration | printf "%s" }}

--- CLIENT STATISTICS

Actual Duration: {{ .Run.ActualDuration | printf "%s" }}
Publishes:       {{ .Run.Publishes }}
Failed:          {{ .Run.Failed }}
Deliveries:      {{ .Run.Deliveries }}

--- DELIVERY LATENCIES

Minimum:         {{ pctl 0 .Latencies }}
Maximum:         {{ pctl 100 .Latencies }}
Average:         {{ avg .Latencies }}
Median:          {{ pctl 50 .Latencies }}
75th Percentile: {{ pctl 75 .Latencies }}
90th Percentile: {{ pctl 90 .Latencies }}
99th Percentile: {{ pctl 99 .Latencies }}

--- SERVER STATISTICS

Memory          Before          After           Diff.
---------------------------------------------------------------
Alloc:          {{.Before.Memstats.Alloc | printf "%-15v"}} {{.After.Memstats.Alloc | printf "%-15v"}} {{subf .After.Memstats.Alloc .Before.Memstats.Alloc | printf "%v" }}
TotalAlloc:     {{.Before.Memstats.TotalAlloc | printf "%-15v"}} {{.After.Memstats.TotalAlloc | printf "%-15v"}} {{subf .After.Memstats.TotalAlloc .Before.Memstats.TotalAlloc | printf "%v" }}
Mallocs:        {{.Before.Memstats.Mallocs | printf "%-15d"}} {{.After.Memstats.Mallocs | printf "%-15d"}} {{subi .After.Memstats.Mallocs .Before.Memstats.Mallocs }}
Frees:          {{.Before.Memstats.Frees | printf "%-15d"}} {{.After.Memstats.Frees | printf "%-15d"}} {{subi .After.Memstats.Frees .Before.Memstats.Frees }}
HeapAlloc:      {{.Before.Memstats.HeapAlloc | printf "%-15v"}} {{.After.Memstats.HeapAlloc | printf "%-15v"}} {{subf .After.Memstats.HeapAlloc .Before.Memstats.HeapAlloc | printf "%v" }}
HeapInuse:      {{.Before.Memstats.HeapInuse | printf "%-15v"}} {{.After.Memstats.HeapInuse | printf "%-15v"}} {{subf .After.Memstats.HeapInuse .Before.Memstats.HeapInuse | printf "%v" }}
HeapObjects:    {{.Before.Memstats.HeapObjects | printf "%-15d"}} {{.After.Memstats.HeapObjects | printf "%-15d"}} {{subi .After.Memstats.HeapObjects .Before.Memstats.HeapObjects }}
StackInuse:     {{.Before.Memstats.StackInuse | printf "%-15v"}} {{.After.Memstats.StackInuse | printf "%-15v"}} {{subf .After.Memstats.StackInuse .Before.Memstats.StackInuse | printf "%v" }}
NumGC:          {{.Before.Memstats.NumGC | printf "%-15d"}} {{.After.Memstats.NumGC | printf "%-15d"}} {{subi .After.Memstats.NumGC .Before.Memstats.NumGC }}
PauseTotalNs:   {{.Before.Memstats.PauseTotalNs | printf "%-15v"}} {{.After.Memstats.PauseTotalNs | printf "%-15v"}} {{subd .After.Memstats.PauseTotalNs .Before.Memstats.PauseTotalNs | printf "%v" }}

Counter         Before          After           Diff.
----------------------------------------------------------------
ActiveConns:    {{.Before.Hub.ActiveConns | printf "%-15d"}} {{.After.Hub.ActiveConns | printf "%-15d"}} {{subi .After.Hub.ActiveConns .Before.Hub.ActiveConns }}
TotalConns:     {{.Before.Hub.TotalConns | printf "%-15d"}} {{.After.Hub.TotalConns | printf "%-15d"}} {{subi .After.Hub.TotalConns .Before.Hub.TotalConns }}
Subscribes:     {{.Before.Hub.Subscribes | printf "%-15d"}} {{.After.Hub.Subscribes | printf "%-15d"}} {{subi .After.Hub.Subscribes .Before.Hub.Subscribes }}
Unsubscribes:   {{.Before.Hub.Unsubscribes | printf "%-15d"}} {{.After.Hub.Unsubscribes | printf "%-15d"}} {{subi .After.Hub.Unsubscribes .Before.Hub.Unsubscribes }}
Publishes:      {{.Before.Hub.Publishes | printf "%-15d"}} {{.After.Hub.Publishes | printf "%-15d"}} {{subi .After.Hub.Publishes .Before.Hub.Publishes }}
RejectedConns:  {{.Before.Hub.RejectedConns | printf "%-15d"}} {{.After.Hub.RejectedConns | printf "%-15d"}} {{subi .After.Hub.RejectedConns .Before.Hub.RejectedConns }}

`))
)

func subiFn(a, b int) int {
	return a - b
}

func subdFn(a, b time.Duration) time.Duration {
	return a - b
}

func subfFn(a, b byteSize) byteSize {
	return a - b
}

func avgFn(durs []time.Duration) time.Duration {
	var sum time.Duration

	if len(durs) == 0 {
		return 0
	}

	for _, d := range durs {
		sum += d
	}
	return sum / time.Duration(len(durs))
}

type durations []time.Duration

func (d durations) Len() int           { return len(d) }
func (d durations) Swap(x, y int)      { d[x], d[y] = d[y], d[x] }
func (d durations) Less(x, y int) bool { return d[x] < d[y] }

// from https://github.com/golang/go/issues/4594#issuecomment-135336012
func round(f float64) int {
	if math.Abs(f) < 0.5 {
		return 0
	}
	return int(f + math.Copysign(0.5, f))
}

func pctlFn(n int, durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	if len(durs) == 1 {
		return durs[0]
	}

	sort.Sort(durations(durs))

	v := (float64(n) / 100.0) * float64(len(durs))
	ix := int(v)
	if v-float64(int(v)) != 0 {
		if ix = round(v); ix > 0 {
			ix--
		}

		return durs[ix]
	}

	// edge cases
	if ix == 0 {
		return durs[0]
	}
	if ix == len(durs) {
		return durs[len(durs)-1]
	}

	sum := durs[ix] + durs[ix-1]
	return sum / 2
}

// Copied from effective Go : https://golang.org/doc/effective_go.html#constants
// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

type byteSize float64

const (
	_           = iota // ignore first value by assigning to blank identifier
	kb byteSize = 1 << (10 * iota)
	mb
	gb
	tb
	pb
	eb
	zb
	yb
)

func (b byteSize) String() string {
	cmp := b
	if b < 0 {
		cmp = -cmp
	}
	switch {
	case cmp >= yb:
		return fmt.Sprintf("%.2fYB", b/yb)
	case cmp >= zb:
		return fmt.Sprintf("%.2fZB", b/zb)
	case cmp >= eb:
		return fmt.Sprintf("%.2fEB", b/eb)
	case cmp >= pb:
		return fmt.Sprintf("%.2fPB", b/pb)
	case cmp >= tb:
		return fmt.Sprintf("%.2fTB", b/tb)
	case cmp >= gb:
		return fmt.Sprintf("%.2fGB", b/gb)
	case cmp >= mb:
		return fmt.Sprintf("%.2fMB", b/mb)
	case cmp >= kb:
		return fmt.Sprintf("%.2fKB", b/kb)
	}
	return fmt.Sprintf("%.2fB", b)
}

type templateStats struct {
	Run       *runStats
	Before    *expVars
	After     *expVars
	Latencies []time.Duration
}

type runStats struct {
	Addr    string
	Channel string
	NChans  int
	Payload string

	Conns          int
	Rate           time.Duration
	Timeout        time.Duration
	Duration       time.Duration
	ActualDuration time.Duration

	Publishes  int64
	Failed     int64
	Deliveries int64
}

type expVars struct {
	Hub struct {
		ActiveConns   int
		TotalConns    int
		Subscribes    int
		Unsubscribes  int
		Publishes     int
		RejectedConns int
	}

	Memstats struct {
		Alloc        byteSize
		TotalAlloc   byteSize
		Mallocs      int
		Frees        int
		HeapAlloc    byteSize
		HeapInuse    byteSize
		HeapObjects  int
		StackInuse   byteSize
		NumGC        int
		PauseTotalNs time.Duration
	}
}

// payload is what gets published on the channel: the send time
// drives the delivery latency measurement on the receiving end.
type payload struct {
	SentAt  int64  `json:"sentAt"` // UnixNano
	Content string `json:"content"`
}

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	log.SetFlags(0)

	if *connFlag <= 0 {
		log.Fatalf("invalid -c value, must be greater than 0")
	}
	if *numChansFlag <= 0 {
		log.Fatalf("invalid -n value, must be greater than 0")
	}

	<-time.After(*delayFlag)
	rand.Seed(time.Now().UnixNano())

	stats := &runStats{
		Addr:     *addrFlag,
		Channel:  *chanFlag,
		NChans:   *numChansFlag,
		Payload:  *payloadFlag,
		Conns:    *connFlag,
		Rate:     *pubRateFlag,
		Timeout:  *timeoutFlag,
		Duration: *durationFlag,
	}

	parsed, err := url.Parse(stats.Addr)
	if err != nil {
		log.Fatalf("failed to parse --addr: %v", err)
	}
	parsed.Scheme = "http"
	parsed.Path = "/debug/vars"
	before := getExpVars(parsed)

	clientStarted := make(chan struct{})
	resLatency := make(chan []time.Duration)
	stop := make(chan struct{})
	for i := 0; i < stats.Conns; i++ {
		go runClient(i, stats, clientStarted, stop, resLatency)
	}

	// start clients with some jitter, up to 10ms
	log.Printf("%d connections started...", stats.Conns)
	start := time.Now()
	for i := 0; i < stats.Conns; i++ {
		<-time.After(time.Duration(rand.Intn(int(10 * time.Millisecond))))
		<-clientStarted
	}

	// run for the requested duration and signal stop
	<-time.After(stats.Duration)
	close(stop)
	log.Printf("stopping...")

	// wait for completion
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-time.After(*waitFlag):
			log.Fatalf("failed to stop clients")
		}
	}()

	var latencies []time.Duration
	for i := 0; i < stats.Conns; i++ {
		latencies = append(latencies, <-resLatency...)
	}
	close(done)

	end := time.Now()
	stats.ActualDuration = end.Sub(start)
	log.Printf("stopped.")

	after := getExpVars(parsed)

	ts := templateStats{Run: stats, Before: before, After: after, Latencies: latencies}
	if err := tpl.Execute(os.Stdout, ts); err != nil {
		log.Fatalf("template.Execute failed: %v", err)
	}
}

func getExpVars(u *url.URL) *expVars {
	res, err := http.Get(u.String())
	if err != nil {
		log.Fatalf("failed to fetch /debug/vars: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		log.Fatalf("failed to fetch /debug/vars: %d %s", res.StatusCode, res.Status)
	}

	var ev expVars
	if err := json.NewDecoder(res.Body).Decode(&ev); err != nil {
		log.Fatalf("failed to decode expvars: %v", err)
	}
	return &ev
}

// getChannel spreads the connections evenly over the configured
// number of channels.
func getChannel(i int, stats *runStats) string {
	if stats.NChans == 1 {
		return stats.Channel
	}
	return stats.Channel + "." + strconv.Itoa(i%stats.NChans)
}

func runClient(i int, stats *runStats, started chan<- struct{}, stop <-chan struct{}, resLatencies chan<- []time.Duration) {
	var mu sync.Mutex // protects the latencies slice
	var latencies []time.Duration

	cli, err := client.Dial(
		&websocket.Dialer{},
		stats.Addr, nil,
		client.SetReplyTimeout(stats.Timeout),
		client.SetOnMessage(func(_ string, message json.RawMessage) {
			var p payload
			if err := json.Unmarshal(message, &p); err != nil {
				log.Fatalf("failed to decode delivery: %v", err)
			}
			mu.Lock()
			latencies = append(latencies, time.Now().Sub(time.Unix(0, p.SentAt)))
			mu.Unlock()
			atomic.AddInt64(&stats.Deliveries, 1)
		}))

	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}

	channel := getChannel(i, stats)
	ctx := context.Background()
	if err := cli.Subscribe(ctx, channel, nil); err != nil {
		log.Fatalf("Subscribe failed: %v", err)
	}

	var after time.Duration
	started <- struct{}{}
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(after):
		}

		atomic.AddInt64(&stats.Publishes, 1)
		p := payload{SentAt: time.Now().UnixNano(), Content: stats.Payload}
		if err := cli.Publish(ctx, channel, p, true); err != nil {
			atomic.AddInt64(&stats.Failed, 1)
		}
		after = stats.Rate
	}

	if err := cli.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}
	resLatencies <- latencies
}
