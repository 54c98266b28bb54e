package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/bcongdon/trickle"
	"github.com/bcongdon/trickle/internal/pkg/triam"
	"github.com/bcongdon/trickle/internal/pkg/trlambda"
	"github.com/bcongdon/trickle/internal/pkg/trnotify"
	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	pb "gopkg.in/cheggaaa/pb.v1"
)

const usage = `usage: trickle <command> [flags]

commands:
  write     commit each input file of JSON lines as one batch
  scan      print the rows of a dataset as JSON lines
  deploy    deploy trickle as a Lambda sink function
  undeploy  delete the Lambda sink function and its role
`

func main() {
	if trickle.RunningInLambda() {
		trickle.StartLambda()
		return
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "write":
		err = runWrite(ctx, os.Args[2:])
	case "scan":
		err = runScan(ctx, os.Args[2:])
	case "deploy":
		err = runDeploy(os.Args[2:])
	case "undeploy":
		err = runUndeploy(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// commonFlags registers the flags shared by all commands and binds them to
// their config keys.
func commonFlags(name string) (*flag.FlagSet, *string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	flags.StringP("format", "f", trickle.DefaultFormat, "output format")
	flags.StringP("out", "o", "./output", "output location (can be local or in S3)")
	flags.StringSlice("partition-by", nil, "partition columns, outermost first")
	flags.BoolP("verbose", "v", false, "debug logging")
	schema := flags.String("schema", "", "columns as name:type,... (types: string, int64, float64, bool)")

	viper.BindPFlag("format", flags.Lookup("format"))
	viper.BindPFlag("output_location", flags.Lookup("out"))
	viper.BindPFlag("partition_by", flags.Lookup("partition-by"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	return flags, schema
}

func setupLogging() {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
}

func runWrite(ctx context.Context, args []string) error {
	flags, schemaSpec := commonFlags("write")
	partitions := flags.Int("partitions", runtime.NumCPU(), "number of DataPartitions each input is split into")
	batchID := flags.Int64("batch-id", 0, "id of the first batch")
	formatOptions := flags.StringToString("option", nil, "format option key=value")
	flags.Int("max-concurrency", runtime.NumCPU(), "maximum number of DataPartitions written at once")
	flags.String("notify-amqp-url", "", "publish commit notifications to this broker")
	flags.String("lambda", "", "send batches to this deployed sink function instead of writing locally")
	viper.BindPFlag("max_concurrency", flags.Lookup("max-concurrency"))
	viper.BindPFlag("notify_amqp_url", flags.Lookup("notify-amqp-url"))
	viper.BindPFlag("lambda_function", flags.Lookup("lambda"))
	flags.Parse(args)

	trickle.LoadConfig()
	setupLogging()

	schema, err := trickle.ParseSchema(*schemaSpec)
	if err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return fmt.Errorf("no inputs")
	}
	if function := viper.GetString("lambda_function"); function != "" {
		return runRemoteWrite(function, schema, flags.Args(), *partitions, *batchID, *formatOptions)
	}

	options := []trickle.Option{trickle.WithOptions(*formatOptions)}
	if url := viper.GetString("notify_amqp_url"); url != "" {
		publisher, err := trnotify.Dial(trnotify.Config{
			URL:      url,
			Exchange: viper.GetString("notify_exchange"),
		})
		if err != nil {
			return err
		}
		options = append(options, trickle.WithListener(publisher))
	}

	sink, err := trickle.NewSink(options...)
	if err != nil {
		return err
	}
	defer sink.Close()

	start := time.Now()
	for i, input := range flags.Args() {
		rows, err := readInput(input, schema)
		if err != nil {
			return err
		}
		batch := trickle.Batch{
			Schema:     schema,
			Partitions: trickle.SplitRows(rows, *partitions),
		}
		if _, err := sink.AddBatch(ctx, *batchID+int64(i), batch); err != nil {
			return err
		}
	}

	stats := sink.Stats()
	fmt.Printf("Wrote %d rows in %d files (%s) to %s in %s\n",
		stats.Rows, stats.Files, humanize.Bytes(uint64(stats.Bytes)), sink.Location(), time.Since(start))
	return nil
}

// runRemoteWrite sends each input to a deployed sink function. Commit
// notifications are published by the function itself.
func runRemoteWrite(function string, schema trickle.Schema, inputs []string, partitions int, batchID int64, options map[string]string) error {
	client := trlambda.NewLambdaClient()
	start := time.Now()
	var rows, bytes, files int64
	for i, input := range inputs {
		data, err := readInput(input, schema)
		if err != nil {
			return err
		}
		batch := trickle.Batch{
			Schema:     schema,
			Partitions: trickle.SplitRows(data, partitions),
		}
		req, err := trickle.NewWriteRequest(batchID+int64(i), batch,
			viper.GetString("format"), viper.GetString("output_location"), viper.GetStringSlice("partition_by"), options)
		if err != nil {
			return err
		}
		resp, err := trickle.RemoteWrite(client, function, req)
		if err != nil {
			return err
		}
		for _, f := range resp.Files {
			rows += f.Rows
			bytes += f.Length
		}
		files += int64(len(resp.Files))
	}
	fmt.Printf("Wrote %d rows in %d files (%s) via %s in %s\n",
		rows, files, humanize.Bytes(uint64(bytes)), function, time.Since(start))
	return nil
}

func readInput(input string, schema trickle.Schema) ([]trickle.Row, error) {
	fs, err := trickle.FileSystemFor(input)
	if err != nil {
		return nil, err
	}
	info, err := fs.Stat(input)
	if err != nil {
		return nil, err
	}
	reader, err := fs.OpenReader(input, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	bar := pb.New64(info.Size).SetUnits(pb.U_BYTES).Prefix(input).Start()
	defer bar.Finish()
	return trickle.ReadInput(reader, schema, func(n int64) { bar.Set64(n) })
}

func runScan(ctx context.Context, args []string) error {
	flags, schemaSpec := commonFlags("scan")
	formatOptions := flags.StringToString("option", nil, "format option key=value")
	flags.Parse(args)

	trickle.LoadConfig()
	setupLogging()

	schema, err := trickle.ParseSchema(*schemaSpec)
	if err != nil {
		return err
	}
	location := viper.GetString("output_location")
	if flags.NArg() > 0 {
		location = flags.Arg(0)
	}
	fs, err := trickle.FileSystemFor(location)
	if err != nil {
		return err
	}

	rows, err := trickle.Scan(ctx, fs, location, viper.GetString("format"), schema, viper.GetStringSlice("partition_by"), *formatOptions)
	if err != nil {
		return err
	}

	out, err := trickle.LookupFormat("json")
	if err != nil {
		return err
	}
	encoder, err := out.NewEncoder(os.Stdout, schema, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return err
		}
	}
	if err := encoder.Close(); err != nil {
		return err
	}
	log.Debugf("Scanned %d rows from %s", len(rows), location)
	return nil
}

func lambdaFlags(name string) *flag.FlagSet {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	flags.String("function", "trickle-sink", "name of the sink function")
	flags.String("role", "trickle-role", "IAM role assumed by the sink function")
	flags.BoolP("verbose", "v", false, "debug logging")
	viper.BindPFlag("lambda_function", flags.Lookup("function"))
	viper.BindPFlag("lambda_role", flags.Lookup("role"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	return flags
}

func runDeploy(args []string) error {
	flags := lambdaFlags("deploy")
	flags.String("package", "./cmd/trickle", "go package built into the function")
	flags.Int64("timeout", 180, "function timeout in seconds")
	flags.Int64("memory", 1500, "function memory in MB")
	viper.BindPFlag("lambda_package", flags.Lookup("package"))
	viper.BindPFlag("lambda_timeout", flags.Lookup("timeout"))
	viper.BindPFlag("lambda_memory", flags.Lookup("memory"))
	flags.Parse(args)

	trickle.LoadConfig()
	setupLogging()

	roleARN, err := triam.NewIAMClient().DeployPermissions(viper.GetString("lambda_role"))
	if err != nil {
		return err
	}
	function := &trlambda.FunctionConfig{
		Name:       viper.GetString("lambda_function"),
		RoleARN:    roleARN,
		Timeout:    viper.GetInt64("lambda_timeout"),
		MemorySize: viper.GetInt64("lambda_memory"),
		Package:    viper.GetString("lambda_package"),
	}
	if err := trlambda.NewLambdaClient().DeployFunction(function); err != nil {
		return err
	}
	log.Infof("Deployed sink function %s", function.Name)
	return nil
}

func runUndeploy(args []string) error {
	flags := lambdaFlags("undeploy")
	flags.Parse(args)

	trickle.LoadConfig()
	setupLogging()

	function := viper.GetString("lambda_function")
	if err := trlambda.NewLambdaClient().DeleteFunction(function); err != nil {
		return err
	}
	if err := triam.NewIAMClient().DeletePermissions(viper.GetString("lambda_role")); err != nil {
		return err
	}
	log.Infof("Deleted sink function %s", function)
	return nil
}
