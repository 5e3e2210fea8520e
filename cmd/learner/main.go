package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jingweiz/sample-factory/internal/actor"
	"github.com/jingweiz/sample-factory/internal/buffer"
	"github.com/jingweiz/sample-factory/internal/checkpoint"
	"github.com/jingweiz/sample-factory/internal/control"
	"github.com/jingweiz/sample-factory/internal/learner"
	"github.com/jingweiz/sample-factory/internal/metrics"
	"github.com/jingweiz/sample-factory/internal/model"
	"github.com/jingweiz/sample-factory/internal/report"
	"github.com/jingweiz/sample-factory/internal/sched"
)

// version is stamped by the build.
var version = "dev"

var (
	controlAddr = flag.String("control-addr", ":7440", "control server address")
	metricsAddr = flag.String("metrics-addr", ":9100", "metrics and status HTTP address")
	dataDir     = flag.String("data-dir", "./train_dir", "checkpoint and summary directory")
	policyID    = flag.Int("policy", 0, "policy id this learner trains")
	runID       = flag.String("run-id", "", "run id (auto-generated if empty)")
	producers   = flag.Int("producers", 2, "synthetic rollout producers, 0 disables")
	maxLag      = flag.Int64("max-policy-lag", 100, "discard rollouts more versions stale than this, 0 disables")
	estimator   = flag.String("estimator", "gae", "advantage estimator (gae or vtrace)")
	lr          = flag.Float64("lr", 1e-4, "Adam learning rate")
	saveEvery   = flag.Duration("save-every", 120*time.Second, "minimum time between checkpoints")
	trainInline = flag.Bool("train-inline", false, "train on the control loop (debugging)")

	// CLI flags
	cliMode = flag.Bool("cli", false, "run in CLI mode")
	cliHost = flag.String("h", "127.0.0.1", "control host (CLI mode)")
	cliPort = flag.Int("p", 7440, "control port (CLI mode)")
)

func main() {
	flag.Parse()

	if *cliMode {
		runCLI(*cliHost, *cliPort, flag.Args())
		return
	}

	trainCfg := sched.DefaultConfig()
	trainCfg.Estimator = sched.Estimator(*estimator)

	modelCfg := model.DefaultNetConfig()

	optCfg := model.DefaultAdamConfig()
	optCfg.LR = float32(*lr)

	ckptCfg := checkpoint.DefaultConfig()
	ckptCfg.Dir = filepath.Join(*dataDir, "checkpoints")
	ckptCfg.SaveEvery = *saveEvery

	slabCfg := buffer.DefaultConfig()
	if *producers > slabCfg.Producers {
		slabCfg.Producers = *producers
	}

	cfg := learner.DefaultConfig()
	cfg.PolicyID = *policyID
	cfg.RunID = *runID
	cfg.MaxPolicyLag = *maxLag
	cfg.TrainInline = *trainInline
	cfg.Slab = slabCfg
	cfg.Train = trainCfg
	cfg.Checkpoint = ckptCfg
	cfg.Model = modelCfg
	cfg.Optimizer = &optCfg

	archive, err := report.OpenArchive(filepath.Join(*dataDir, "summaries"))
	if err != nil {
		log.Fatalf("Failed to open summary archive: %v", err)
	}
	sink := report.NewMultiSink(
		report.NewLogSink(),
		report.NewAsyncSink(archive, report.DefaultQueueDepth),
	)

	l, err := learner.New(cfg, sink)
	if err != nil {
		log.Fatalf("Failed to create learner: %v", err)
	}
	if err := l.Init(); err != nil {
		log.Fatalf("Failed to init learner: %v", err)
	}

	ctrl := control.NewServer(*controlAddr, l.Inbox(), l)
	exporter := metrics.NewExporter(*metricsAddr, l, l)
	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	l.Start()

	go func() {
		if err := ctrl.Start(); err != nil {
			log.Fatalf("Failed to start control server: %v", err)
		}
	}()

	go func() {
		if err := exporter.Start(); err != nil {
			log.Printf("Metrics exporter stopped: %v", err)
		}
	}()

	var workers []*actor.Producer
	for i := 0; i < *producers; i++ {
		pc := actor.DefaultConfig()
		pc.ProducerID = i
		pc.NumActions = modelCfg.NumActions
		pc.Seed = int64(i + 1)

		p, err := actor.NewProducer(l.Slab(), l.Inbox(), l.Pressure(), l.Shared(), pc)
		if err != nil {
			log.Fatalf("Failed to create producer %d: %v", i, err)
		}
		p.Start()
		workers = append(workers, p)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("Shutting down...")
	case <-l.Done():
		log.Println("Learner exited, shutting down...")
	}

	for _, p := range workers {
		p.Stop()
	}
	l.Stop()

	if err := ctrl.Stop(); err != nil {
		log.Printf("Error stopping control server: %v", err)
	}
	if err := exporter.Stop(); err != nil {
		log.Printf("Error stopping metrics exporter: %v", err)
	}
	if err := sink.Close(); err != nil {
		log.Printf("Error closing summary sink: %v", err)
	}
}

func runCLI(host string, port int, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: learner -cli -h <host> -p <port> <command> [args...]")
		fmt.Println("Commands: PING, STATUS, VERSION, PBT.SAVE, PBT.LOAD <policy>, PBT.SET <key> <value> ..., SHUTDOWN")
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		fmt.Printf("Error connecting to %s:%d: %v\n", host, port, err)
		os.Exit(1)
	}
	defer conn.Close()

	// Build RESP request
	var req strings.Builder
	req.WriteString(fmt.Sprintf("*%d\r\n", len(args)))
	for _, arg := range args {
		req.WriteString(fmt.Sprintf("$%d\r\n%s\r\n", len(arg), arg))
	}

	if _, err := conn.Write([]byte(req.String())); err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}

	// Read RESP response (simple implementation)
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(string(buf[:n]))
}
