package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coscontrol/cosd/internal/coshandle"
	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/instance"
	"github.com/coscontrol/cosd/internal/persistence"
)

const version = "1.0.0"

// ANSI color codes for terminal output
const (
	colorGreen = "\033[32m"
	colorReset = "\033[0m"
)

func main() {
	dataRoot := flag.String("data", "data", "Data root directory")
	sourceRepo := flag.String("repo", "", "Source repository for agent workspaces")
	isolate := flag.Bool("isolate", false, "Run each agent in its own git worktree")
	noNATS := flag.Bool("no-nats", false, "Disable the embedded NATS event mirror")
	start := flag.Bool("start", false, "Start scheduling immediately, regardless of autoStart")
	tail := flag.Bool("tail", false, "Print every bus event to stdout")

	status := flag.Bool("status", false, "Show status of a running instance")
	stop := flag.Bool("stop", false, "Stop a running instance gracefully")
	forceStop := flag.Bool("force-stop", false, "Force kill a running instance")
	flag.Parse()

	if !filepath.IsAbs(*dataRoot) {
		abs, err := filepath.Abs(*dataRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve data root: %v\n", err)
			os.Exit(1)
		}
		*dataRoot = abs
	}
	if err := persistence.EnsureDir(*dataRoot); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data root: %v\n", err)
		os.Exit(1)
	}

	pidFilePath := filepath.Join(*dataRoot, "cosd.pid")
	instanceMgr := instance.NewManager(pidFilePath)

	if *status {
		showInstanceStatus(instanceMgr)
		return
	}
	if *stop || *forceStop {
		if err := instanceMgr.StopExisting(*forceStop, 10*time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "Stop failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Instance stopped")
		return
	}

	if err := instanceMgr.Acquire(version, *dataRoot); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire instance lock: %v\n", err)
		os.Exit(1)
	}
	defer instanceMgr.Release()

	handle, err := coshandle.New(coshandle.Options{
		DataRoot:    *dataRoot,
		SourceRepo:  *sourceRepo,
		Isolate:     *isolate,
		DisableNATS: *noNATS,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if *tail {
		ch, unsubscribe := handle.Subscribe(events.TopicAll)
		defer unsubscribe()
		go func() {
			for ev := range ch {
				fmt.Printf("%s %-22s %v\n", ev.CreatedAt.Format("15:04:05"), ev.Topic, ev.Payload)
			}
		}()
	}

	if *start && !handle.Status().Running {
		if err := handle.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start scheduler: %v\n", err)
			handle.Close()
			os.Exit(1)
		}
	}

	fmt.Printf("%scosd %s ready%s (data: %s)\n", colorGreen, version, colorReset, *dataRoot)
	if st := handle.Status(); st.Running {
		fmt.Printf("Scheduler running (%d pending task(s))\n", st.PendingTasks)
	} else {
		fmt.Println("Scheduler stopped; start it with -start or autoStart in config.json")
	}

	// Block until SIGINT/SIGTERM, then drain
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	handle.Close()
	fmt.Println("Shutdown complete")
}

func showInstanceStatus(mgr *instance.Manager) {
	info, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to check instance: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("No instance running")
		return
	}
	fmt.Printf("Instance running: pid=%d version=%s started=%s data=%s\n",
		info.PID, info.Version, info.StartTime.Format(time.RFC3339), info.DataRoot)
}
