// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Starts one policy domain: parses its YAML configuration, brings it
// up through every runlevel in section 3's order, dials its
// configured neighbors, installs the predefined EDT template registry,
// and — on the blessed PD — creates the mainEdt named on the command
// line once bring-up has completed. Shuts down cleanly on
// SIGINT/SIGTERM, on an ocrShutdown runlevel notify, or once mainEdt
// itself reaches DONE (EDTs it spawned are not waited for).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/open-community-runtime/ocr/internal/api"
	"github.com/open-community-runtime/ocr/internal/clog"
	"github.com/open-community-runtime/ocr/internal/config"
	"github.com/open-community-runtime/ocr/internal/edt"
	"github.com/open-community-runtime/ocr/internal/guid"
	"github.com/open-community-runtime/ocr/internal/message"
	"github.com/open-community-runtime/ocr/internal/pd"
	"github.com/open-community-runtime/ocr/internal/registry"
	"github.com/open-community-runtime/ocr/internal/runlevel"
	"github.com/open-community-runtime/ocr/internal/status"
	"github.com/open-community-runtime/ocr/internal/transport"
	"github.com/open-community-runtime/ocr/internal/worker"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ocrd -c <config.yaml> [-l] [mainEdt [args...]]\n")
	flag.PrintDefaults()
}

func main() {
	var configPath string
	var verbose bool
	var help bool

	flag.Usage = usage
	flag.StringVar(&configPath, "c", "", "path to this PD's YAML configuration")
	flag.BoolVar(&verbose, "l", false, "show logging output (for debugging)")
	flag.BoolVar(&help, "h", false, "show usage information")
	flag.Parse()

	if help || configPath == "" {
		usage()
		os.Exit(1)
	}
	if verbose {
		clog.Enable()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ocrd: %v\n", err)
		os.Exit(1)
	}

	log := clog.New("ocrd[%d]", cfg.Location)
	mainName := flag.Arg(0)
	var mainArgs []string
	if flag.NArg() > 1 {
		mainArgs = flag.Args()[1:]
	}

	if err := run(cfg, mainName, mainArgs, log); err != nil {
		log.Errorf("ocrd: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mainName string, mainArgs []string, log *clog.CLogger) error {
	p := pd.New(cfg.Location, cfg.ComputeWorkers, cfg.NeighborLocations(), log)
	platform := transport.NewPlatform(cfg.Location, cfg.ListenAddr, log)

	ctrl := runlevel.NewController(map[runlevel.Level]uint32{
		runlevel.ConfigParse: 1,
		runlevel.NetworkOK:   1,
		runlevel.PDOK:        1,
		runlevel.MemoryOK:    1,
		runlevel.GUIDOK:      1,
		runlevel.ComputeOK:   1,
		runlevel.UserOK:      1,
	}, log)

	commWorker := worker.NewCommWorker(platform, p.Comm, p.Strands, p, log)
	computeWorkers := make([]runlevel.WorkerRunner, cfg.ComputeWorkers)
	for i := 0; i < cfg.ComputeWorkers; i++ {
		computeWorkers[i] = worker.NewComputeWorker(i, i == 0 && cfg.Blessed, p, log)
	}

	ctrl.Register(runlevel.NewTransportComponent(platform, log))
	ctrl.Register(runlevel.NewPDComponent(p))
	ctrl.Register(runlevel.NewWorkersComponent(commWorker, computeWorkers))

	shutdown := make(chan uint32, 1)
	p.RLNotify = func(args message.RunlevelArgs) status.Code {
		select {
		case shutdown <- 0:
		default:
		}
		return status.OK
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.BringUp(ctx); err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}

	for _, n := range cfg.Neighbors {
		if err := platform.Dial(ctx, n.Location, n.Addr); err != nil {
			log.Warnf("ocrd: dial neighbor %d at %s: %v", n.Location, n.Addr, err)
		}
	}

	rt := api.New(p)
	predefined := registry.NewTemplates(os.Stdout)
	templates := make(map[string]guid.GUID, len(predefined))
	for name, tmpl := range predefined {
		id, code := rt.EdtTemplateCreate(tmpl.Name, tmpl.Func, tmpl.ParamC, tmpl.DepC)
		if !code.OK() {
			return fmt.Errorf("install predefined template %s: %s", name, code)
		}
		templates[name] = id
	}

	var mainInst guid.GUID
	if cfg.Blessed && mainName != "" {
		tmpl, ok := predefined[mainName]
		if !ok {
			log.Warnf("ocrd: mainEdt %s is not a predefined template, skipping", mainName)
		} else {
			id, code := bringUpMainEdt(rt, templates[mainName], tmpl, mainArgs)
			if !code.OK() {
				log.Warnf("ocrd: mainEdt %s not started: %s", mainName, code)
			} else {
				mainInst = id
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	if cfg.Blessed && !mainInst.IsNull() {
		go awaitMainEdt(rt, mainInst, shutdown)
	}

	select {
	case <-sigCh:
		log.Printf("ocrd: shutting down on signal")
	case <-shutdown:
		log.Printf("ocrd: shutting down on mainEdt completion")
	}

	return ctrl.Shutdown(ctx)
}

// bringUpMainEdt instantiates tmplID as the blessed PD's entry point.
// A template declared with ParamC parses mainArgs straight into its
// paramv (section 6's ocrEdtCreate paramv). A template declared with
// DepC instead gets mainArgs joined with spaces into a single DB
// dependence (the shape internal/registry's dbsum/dbdump templates
// expect).
func bringUpMainEdt(rt *api.Runtime, tmplID guid.GUID, tmpl *edt.Template, mainArgs []string) (guid.GUID, status.Code) {
	if tmpl.DepC == 0 {
		paramv, err := parseParamv(mainArgs, tmpl.ParamC)
		if err != nil {
			return guid.NullGUID, status.EINVAL
		}
		return rt.EdtCreate(api.EdtCreateParams{Template: tmplID, ParamV: paramv})
	}

	payload := []byte(strings.Join(mainArgs, " "))
	dbID, code := rt.DbCreate(api.DbCreateParams{Size: uint64(len(payload)), SingleAssignment: true})
	if !code.OK() {
		return guid.NullGUID, code
	}
	// The blessed worker populates the DB directly rather than through
	// ocrDbAcquire(EW): it is the sole writer before mainEdt's
	// dependence is even added, so there is no other acquirer to race.
	if db, ok := rt.PD.LookupBlock(dbID); ok {
		copy(db.Payload(), payload)
	}

	id, code := rt.EdtCreate(api.EdtCreateParams{Template: tmplID})
	if !code.OK() {
		return guid.NullGUID, code
	}
	if code := rt.AddDependence(dbID, id, 0, message.ModeConst); !code.OK() {
		return guid.NullGUID, code
	}
	return id, status.OK
}

func parseParamv(args []string, paramc uint32) ([]uint64, error) {
	if uint32(len(args)) != paramc {
		return nil, fmt.Errorf("expected %d argument(s), got %d", paramc, len(args))
	}
	out := make([]uint64, paramc)
	for i, a := range args {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q) is not an unsigned integer: %w", i, a, err)
		}
		out[i] = n
	}
	return out, nil
}

// awaitMainEdt polls for mainEdt's completion and triggers shutdown
// once it's DONE, standing in for the original's blessed-worker
// blocking wait (no blocking primitive is exposed across a DONE
// transition, so this polls at a coarse interval — acceptable since
// it only governs daemon exit, never EDT scheduling latency).
func awaitMainEdt(rt *api.Runtime, id guid.GUID, shutdown chan<- uint32) {
	for {
		time.Sleep(50 * time.Millisecond)
		inst, ok := rt.PD.LookupInstance(id)
		if !ok || inst.State() == edt.Done {
			select {
			case shutdown <- 0:
			default:
			}
			return
		}
	}
}
