// sparsetune runs activation-sparsity fine-tuning experiments from the
// command line: a single training run, a hyperparameter search over penalty
// configurations, evaluation of the best checkpoint (optionally with
// Monte-Carlo dropout uncertainty) and a summary of past trials.
//
// All hyperparameters are context settings, e.g.:
//
//	sparsetune -cmd=train -set="sparsity_penalty=hoyer_square;sparsity_alpha=0.001"
//	sparsetune -cmd=search -set="search_trials=50"
//	sparsetune -cmd=eval -set="mc_dropout=true"
//	sparsetune -cmd=summary
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/sparselab/sparsetune"
	"github.com/sparselab/sparsetune/evaluate"
	"github.com/sparselab/sparsetune/fit"
	"github.com/sparselab/sparsetune/search"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCmd = flag.String("cmd", "train",
		"What to run: \"train\", \"search\", \"eval\" or \"summary\".")
	flagBaseDir = flag.String("dir", "~/work/sparsetune",
		"Base directory: checkpoints, the trial log and the metrics CSV live under it.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := sparsetune.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	baseDir := must.M1(fsutil.ReplaceTildeInDir(*flagBaseDir))
	must.M(os.MkdirAll(baseDir, 0755))

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	exp := sparsetune.NewExperiment(backend, ctx, baseDir)
	exp.NewContext = func() *context.Context {
		trialCtx := sparsetune.CreateDefaultContext()
		must.M1(commandline.ParseContextSettings(trialCtx, *settings))
		return trialCtx
	}

	switch *flagCmd {
	case "train":
		cmdTrain(exp)
	case "search":
		cmdSearch(exp, ctx)
	case "eval":
		cmdEval(exp)
	case "summary":
		cmdSummary(baseDir)
	default:
		klog.Exitf("Unknown -cmd=%q: valid values are train, search, eval and summary.", *flagCmd)
	}
}

func cmdTrain(exp *sparsetune.Experiment) {
	if *flagVerbosity >= 1 {
		exp.OnEpochEnd = func(s *fit.State) {
			last := s.Epoch - 1
			fmt.Printf("Epoch %d: train_loss=%.4f valid_loss=%.4f valid_acc=%.4f lr=%.2g (best=%.4f @%d)\n",
				s.Epoch, s.History.TrainLoss[last], s.History.ValidLoss[last],
				s.History.ValidAcc[last], s.History.LearningRate[last],
				s.BestValidLoss, s.BestEpoch)
		}
	}
	start := time.Now()
	result := must.M1(exp.Train())
	if result.Failed {
		klog.Exitf("Training failed: %+v", result.Err)
	}
	fmt.Printf("Trained %d epochs in %s", result.State.Epoch, time.Since(start).Round(time.Second))
	if result.StoppedEarly {
		fmt.Printf(" (stopped early)")
	}
	fmt.Printf("; best validation loss %.4f at epoch %d.\n", result.BestValidLoss, result.State.BestEpoch)
}

func cmdSearch(exp *sparsetune.Experiment, ctx *context.Context) {
	numTrials := context.GetParamOr(ctx, sparsetune.ParamSearchTrials, 25)
	var bar *progressbar.ProgressBar
	if *flagVerbosity >= 1 {
		bar = progressbar.NewOptions(numTrials,
			progressbar.OptionSetDescription("trials"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWriter(os.Stderr))
		exp.OnTrialEnd = func(t search.Trial) {
			_ = bar.Add(1)
		}
	}
	best := must.M1(exp.Search(nil, numTrials))
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	fmt.Printf("Best trial #%d: validation loss %.4f\n", best.Index, best.Loss)
	for name, value := range best.Values {
		fmt.Printf("\t%s=%v\n", name, value)
	}
}

func cmdEval(exp *sparsetune.Experiment) {
	outcome, err := exp.Evaluate()
	if errors.Is(err, evaluate.ErrNoCheckpoint) {
		klog.Exitf("Nothing to evaluate: %v. Run -cmd=train (or -cmd=search) first.", err)
	}
	must.M(err)
	printOutcome(outcome)

	names, fractions, err := exp.LayerSparsity()
	if err == nil {
		fmt.Println("Fraction of exactly-zero activations per layer:")
		for ii, name := range names {
			fmt.Printf("\t%s: %.3f\n", name, fractions[ii])
		}
	} else {
		klog.Warningf("Skipping activation sparsity report: %v", err)
	}
}

func printOutcome(out *evaluate.Outcome) {
	fmt.Printf("Test examples: %d\n", out.NumExamples)
	fmt.Printf("\tLoss:      %.4f\n", out.Loss)
	fmt.Printf("\tAccuracy:  %.4f\n", out.Accuracy)
	fmt.Printf("\tPrecision: %.4f (weighted)\n", out.Precision)
	fmt.Printf("\tRecall:    %.4f (weighted)\n", out.Recall)
	fmt.Printf("\tF1:        %.4f (weighted)\n", out.F1)
	fmt.Printf("\tPredictive entropy: %.4f nats (mean)\n", out.MeanEntropy)
}
