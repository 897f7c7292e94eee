// Command pintrain is the CLI entry point: it loads a flat key/value
// configuration file, reads the training/validation dataset files,
// partitions the global layer stack across an in-process pool of
// worker goroutines, and runs the MGRIT primal/adjoint/optimiser loop
// to completion, writing optim.dat/gradient.dat to the output
// directory (SPEC_FULL.md §6 ADD).
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rweiss/pintrain/internal/comm"
	"github.com/rweiss/pintrain/internal/config"
	"github.com/rweiss/pintrain/internal/dashboard"
	"github.com/rweiss/pintrain/internal/dataset"
	"github.com/rweiss/pintrain/internal/hessian"
	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/metrics"
	"github.com/rweiss/pintrain/internal/network"
	"github.com/rweiss/pintrain/internal/objective"
	"github.com/rweiss/pintrain/internal/optimizer"
)

// ErrClusterUnsupported is returned when --cluster names peer
// addresses: SPEC_FULL.md §1 ADD reserves a gRPC comm.Runtime for
// true one-process-per-worker deployment, but protobuf codegen is
// unavailable in this environment (see DESIGN.md), so the flag is
// accepted and validated but not yet wired to a transport.
var ErrClusterUnsupported = fmt.Errorf("pintrain: -cluster multi-process transport is not wired in this build")

func main() {
	var configPath, outDir string
	var clusterAddrs []string
	var nworkers int

	root := &cobra.Command{
		Use:   "pintrain",
		Short: "parallel-in-time trainer for a time-distributed residual network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, outDir, clusterAddrs, nworkers)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the key/value configuration file (required)")
	root.Flags().StringVar(&outDir, "out", ".", "output directory for optim.dat/gradient.dat")
	root.Flags().StringSliceVar(&clusterAddrs, "cluster", nil, "peer worker addresses for multi-process mode (not yet wired)")
	root.Flags().IntVar(&nworkers, "nworkers", 1, "number of in-process worker goroutines to partition the layer stack across")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		slog.Error("pintrain: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, outDir string, clusterAddrs []string, nworkers int) error {
	if len(clusterAddrs) > 0 {
		return ErrClusterUnsupported
	}

	runID := uuid.NewString()
	logger := slog.With("run_id", runID)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("pintrain: config: %w", err)
	}

	activation, err := layer.ParseActivation(cfg.Activation)
	if err != nil {
		return fmt.Errorf("pintrain: config: %w", err)
	}

	cache := dataset.NewCache(8)
	trainEx, err := cache.Load(filepath.Join(cfg.DataFolder, cfg.FTrainEx), cfg.NTraining, cfg.NFeatures)
	if err != nil {
		return fmt.Errorf("pintrain: dataset: %w", err)
	}
	trainLabels, err := cache.Load(filepath.Join(cfg.DataFolder, cfg.FTrainLabels), cfg.NTraining, cfg.NClasses)
	if err != nil {
		return fmt.Errorf("pintrain: dataset: %w", err)
	}
	var valEx, valLabels *dataset.Matrix
	if cfg.ValidationLevel > 0 && cfg.FValEx != "" {
		valEx, err = cache.Load(filepath.Join(cfg.DataFolder, cfg.FValEx), cfg.NValidation, cfg.NFeatures)
		if err != nil {
			return fmt.Errorf("pintrain: dataset: %w", err)
		}
		valLabels, err = cache.Load(filepath.Join(cfg.DataFolder, cfg.FValLabels), cfg.NValidation, cfg.NClasses)
		if err != nil {
			return fmt.Errorf("pintrain: dataset: %w", err)
		}
	}
	validate := cfg.ValidationLevel > 0 && valEx != nil && valLabels != nil

	netCfg := network.Config{
		GlobalLayers: cfg.NLayers,
		NFeatures:    cfg.NFeatures,
		NClasses:     cfg.NClasses,
		NChannels:    cfg.NChannels,
		T:            cfg.T,
		Activation:   activation,
		GammaTik:     cfg.GammaTik,
		GammaDdt:     cfg.GammaDdt,
		GammaClass:   cfg.GammaClass,
	}
	if cfg.NetworkType == "convolutional" {
		netCfg.NetworkType = network.TypeConvolutional
		netCfg.NConv = cfg.NChannels
	}
	if cfg.TypeOpenLayer == "activate" {
		netCfg.OpenKind = network.OpenActivate
	}

	boundaries := partitionLayers(cfg.NLayers, nworkers)
	runtimes := comm.NewGroup(len(boundaries))
	examples := trainEx.Data
	labels := trainLabels.Data

	nets := make([]*network.Network, len(boundaries))
	for i, b := range boundaries {
		net, err := network.New(netCfg, b.start, b.end)
		if err != nil {
			return fmt.Errorf("pintrain: network rank %d: %w", i, err)
		}
		net.Initialise(int64(42+i), cfg.WeightsInit, cfg.WeightsOpenInit, cfg.WeightsClassInit)
		nets[i] = net
	}

	// CommunicateNeighbours blocks on point-to-point channel recv/send
	// pairs between adjacent ranks, so every rank's call must run
	// concurrently — calling it in a sequential per-rank loop would
	// deadlock the moment a rank tries to receive from a neighbour
	// that hasn't sent yet (the same reason optimizer.runAll fans out
	// goroutines for every later ghost exchange).
	if err := communicateAllNeighbours(nets, runtimes); err != nil {
		return fmt.Errorf("pintrain: initial ghost exchange: %w", err)
	}

	ranks := make([]*optimizer.Rank, len(boundaries))
	for i, b := range boundaries {
		var rankLabels [][]float64
		if b.end == cfg.NLayers-1 {
			rankLabels = labels
		}
		ranks[i] = optimizer.NewAdapterPair(runtimes[i], nets[i], examples, rankLabels, cfg.NChannels, cfg.NLayers, cfg.Dt())
	}

	// Validation reuses every rank's already-trained Network by
	// pointer (its Design buffer is updated in place by the optimiser
	// loop), bound to a second set of Adapter/comm.Group instances
	// seeded with the validation batch instead of the training batch
	// — this keeps the validation forward pass from interfering with
	// the training trajectory of either sweep.
	var valRanks []*optimizer.Rank
	if validate {
		valRuntimes := comm.NewGroup(len(boundaries))
		valRanks = make([]*optimizer.Rank, len(boundaries))
		for i, b := range boundaries {
			var rankLabels [][]float64
			if b.end == cfg.NLayers-1 {
				rankLabels = valLabels.Data
			}
			valRanks[i] = optimizer.NewAdapterPair(valRuntimes[i], ranks[i].Net, valEx.Data, rankLabels, cfg.NChannels, cfg.NLayers, cfg.Dt())
		}
	}

	totalDesign := 0
	for _, r := range ranks {
		totalDesign += len(r.Net.Design)
	}
	approx := newHessianApprox(cfg, totalDesign)

	recorder := metrics.NewRecorder()
	hub := dashboard.NewHub(runID)

	opt := &optimizer.Optimiser{
		Ranks:        ranks,
		GlobalLayers: cfg.NLayers,
		NExamples:    cfg.NTraining,
		Hessian:      approx,
		Log:          logger,
		Cfg: optimizer.Config{
			MaxIter:   cfg.OptimMaxIter,
			GTol:      cfg.GTol,
			Stepsize:  cfg.Stepsize,
			LSMaxIter: cfg.LSMaxIter,
			LSParam:   cfg.LSParam,
			LSFactor:  cfg.LSFactor,
		},
	}

	optimDat, err := os.Create(filepath.Join(outDir, "optim.dat"))
	if err != nil {
		return fmt.Errorf("pintrain: creating optim.dat: %w", err)
	}
	defer optimDat.Close()
	fmt.Fprintf(optimDat, "# pintrain run %s\n", runID)
	fmt.Fprintln(optimDat, "# iter residual_prim residual_adj objective loss grad_norm stepsize ls_iter train_accuracy val_accuracy elapsed_seconds")

	opt.OnIteration = func(s optimizer.Stats) {
		s.ValAcc = evalValidationAccuracy(valRanks, cfg.NLayers, cfg.NValidation)
		recorder.Observe(s)
		hub.Observe(s)
		fmt.Fprintf(optimDat, "%d %g %g %g %g %g %g %d %g %g %g\n",
			s.Iter, s.ResidualPrim, s.ResidualAdj, s.Objective, s.Loss, s.GradNorm,
			s.Stepsize, s.LSIters, s.TrainAcc, s.ValAcc, s.Elapsed.Seconds())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", hub.Router())
	srv := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("pintrain: dashboard server stopped", "error", err)
		}
	}()

	if _, err := opt.Run(); err != nil {
		return fmt.Errorf("pintrain: optimiser: %w", err)
	}

	var fullGradient []float64
	for _, r := range ranks {
		fullGradient = append(fullGradient, r.Net.Gradient...)
	}
	gradDat, err := os.Create(filepath.Join(outDir, "gradient.dat"))
	if err != nil {
		return fmt.Errorf("pintrain: creating gradient.dat: %w", err)
	}
	defer gradDat.Close()
	for _, g := range fullGradient {
		fmt.Fprintln(gradDat, strconv.FormatFloat(g, 'g', -1, 64))
	}

	logger.Info("pintrain: run complete", "out_dir", outDir)
	return nil
}

// communicateAllNeighbours runs every rank's CommunicateNeighbours
// concurrently, since each call blocks on a point-to-point handshake
// with its neighbours.
func communicateAllNeighbours(nets []*network.Network, runtimes []comm.Runtime) error {
	var wg sync.WaitGroup
	errs := make([]error, len(nets))
	wg.Add(len(nets))
	for i := range nets {
		go func(i int) {
			defer wg.Done()
			errs[i] = nets[i].CommunicateNeighbours(runtimes[i])
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type layerRange struct{ start, end int }

// partitionLayers splits [0, globalLayers) into nworkers contiguous,
// nearly-equal ranges (spec.md §3's Network "owns layers with start_id
// <= index <= end_id"); the opening layer (0) and the classification
// layer (globalLayers-1) always stay within the first/last partition
// respectively since the ranges are contiguous and cover the whole
// stack.
func partitionLayers(globalLayers, nworkers int) []layerRange {
	if nworkers < 1 {
		nworkers = 1
	}
	if nworkers > globalLayers {
		nworkers = globalLayers
	}
	base := globalLayers / nworkers
	rem := globalLayers % nworkers
	ranges := make([]layerRange, nworkers)
	start := 0
	for i := 0; i < nworkers; i++ {
		size := base
		if i < rem {
			size++
		}
		ranges[i] = layerRange{start: start, end: start + size - 1}
		start += size
	}
	return ranges
}

// newHessianApprox builds the configured HessianApprox variant.
// totalDesign is the coordinator's full global design length — BFGS's
// dense n x n memory needs it up front, per spec.md §4.5's
// single-worker-only note.
func newHessianApprox(cfg config.Config, totalDesign int) hessian.Approx {
	switch cfg.HessianApprox {
	case "BFGS":
		return hessian.NewBFGS(totalDesign)
	case "L-BFGS":
		return hessian.NewLBFGS(cfg.LBFGSStages, nil)
	default:
		return hessian.Identity{}
	}
}

// evalValidationAccuracy runs one validation-only primal sweep and
// reduction across valRanks and returns the globally-reduced
// accuracy. A nil valRanks (validationlevel == 0, or no validation
// files configured) reports 0, matching spec.md §6's "0 suppresses
// validation sweeps".
func evalValidationAccuracy(valRanks []*optimizer.Rank, globalLayers, nValidation int) float64 {
	if len(valRanks) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	errs := make([]error, len(valRanks))
	reduced := make([]objective.Reduced, len(valRanks))
	wg.Add(len(valRanks))
	for i, r := range valRanks {
		go func(i int, r *optimizer.Rank) {
			defer wg.Done()
			if err := r.Driver.RunPrimal(); err != nil {
				errs[i] = err
				return
			}
			var finalInputs [][]float64
			if r.Net.EndID == globalLayers-1 {
				cls := r.Net.Layers[len(r.Net.Layers)-1]
				pt, ok := r.Driver.Primal.Trajectory.Get(globalLayers - 1)
				if ok {
					finalInputs = make([][]float64, nValidation)
					for e := 0; e < nValidation; e++ {
						finalInputs[e] = append([]float64(nil), pt.Activations.Row(e)[:cls.DimIn]...)
					}
				}
			}
			loc, err := objective.AssembleLocal(r.Net, globalLayers, finalInputs, r.Labels)
			if err != nil {
				errs[i] = err
				return
			}
			reduced[i] = objective.Reduce(r.Rt, loc)
		}(i, r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			slog.Warn("pintrain: validation sweep failed, reporting 0 accuracy", "error", err)
			return 0
		}
	}
	return reduced[0].Accuracy
}
