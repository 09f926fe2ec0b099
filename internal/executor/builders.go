package executor

import (
	"fmt"

	"github.com/t77yq/transfer-scheduler/internal/model"
	"github.com/t77yq/transfer-scheduler/internal/transfer"
)

// BuildRequest converts a task's args into a typed transfer request
func BuildRequest(task *model.ScheduledTask) (*transfer.Request, error) {
	switch task.TaskType {
	case model.TaskTypeCopy:
		return buildCopy(task.Args)
	case model.TaskTypeSync:
		return buildSync(task.Args)
	case model.TaskTypeMove:
		return buildMove(task.Args)
	case model.TaskTypeBisync:
		return buildBisync(task.Args)
	}
	return nil, fmt.Errorf("unknown task type %q", task.TaskType)
}

func buildCopy(args model.TaskArgs) (*transfer.Request, error) {
	req, err := baseRequest(model.TaskTypeCopy, args)
	if err != nil {
		return nil, err
	}
	req.CreateEmptySrcDirs = args.Bool("create_empty_src_dirs")
	return req, nil
}

func buildSync(args model.TaskArgs) (*transfer.Request, error) {
	req, err := baseRequest(model.TaskTypeSync, args)
	if err != nil {
		return nil, err
	}
	req.CreateEmptySrcDirs = args.Bool("create_empty_src_dirs")
	return req, nil
}

func buildMove(args model.TaskArgs) (*transfer.Request, error) {
	req, err := baseRequest(model.TaskTypeMove, args)
	if err != nil {
		return nil, err
	}
	req.CreateEmptySrcDirs = args.Bool("create_empty_src_dirs")
	req.DeleteEmptySrcDirs = args.Bool("delete_empty_src_dirs")
	return req, nil
}

func buildBisync(args model.TaskArgs) (*transfer.Request, error) {
	req, err := baseRequest(model.TaskTypeBisync, args)
	if err != nil {
		return nil, err
	}
	req.Bisync = &transfer.BisyncOptions{
		DryRun:                args.Bool("dry_run"),
		Resync:                args.Bool("resync"),
		CheckAccess:           args.Bool("check_access"),
		CheckFilename:         args.String("check_filename"),
		MaxDelete:             intArg(args, "max_delete"),
		Force:                 args.Bool("force"),
		CheckSync:             args.String("check_sync"),
		CreateEmptySrcDirs:    args.Bool("create_empty_src_dirs"),
		RemoveEmptyDirs:       args.Bool("remove_empty_dirs"),
		FiltersFile:           args.String("filters_file"),
		IgnoreListingChecksum: args.Bool("ignore_listing_checksum"),
		Resilient:             args.Bool("resilient"),
		Workdir:               args.String("workdir"),
		Backupdir1:            args.String("backupdir1"),
		Backupdir2:            args.String("backupdir2"),
		NoCleanup:             args.Bool("no_cleanup"),
	}
	return req, nil
}

func baseRequest(taskType model.TaskType, args model.TaskArgs) (*transfer.Request, error) {
	source := args.String("source")
	if source == "" {
		return nil, fmt.Errorf("%w: source", ErrMissingField)
	}
	dest := args.String("dest")
	if dest == "" {
		return nil, fmt.Errorf("%w: dest", ErrMissingField)
	}

	return &transfer.Request{
		Type:       taskType,
		RemoteName: args.String("remote_name"),
		Source:     source,
		Dest:       dest,
		Options:    args.Map(string(taskType) + "_options"),
		Filter:     args.Map("filter_options"),
		Backend:    args.Map("backend_options"),
	}, nil
}

func intArg(args model.TaskArgs, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
