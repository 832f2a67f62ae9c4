package planfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/flowjob/pkg/calculator"
	"github.com/cuemby/flowjob/pkg/dag"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed plan.schema.yaml
var planSchemaYAML []byte

var planSchema = mustCompile(planSchemaYAML)

// Document is the YAML form of a plan
type Document struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name,omitempty"`
	Type        string         `yaml:"type,omitempty"`
	TriggerType string         `yaml:"triggerType,omitempty"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
	Schedule    *ScheduleBlock `yaml:"schedule,omitempty"`
	Jobs        []JobBlock     `yaml:"jobs"`
}

// ScheduleBlock is the YAML form of a schedule option
type ScheduleBlock struct {
	Type     string `yaml:"type"`
	Cron     string `yaml:"cron,omitempty"`
	CronType string `yaml:"cronType,omitempty"`
	StartAt  string `yaml:"startAt,omitempty"`
	EndAt    string `yaml:"endAt,omitempty"`
	Delay    string `yaml:"delay,omitempty"`
	Interval string `yaml:"interval,omitempty"`
}

// JobBlock is the YAML form of one DAG node
type JobBlock struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name,omitempty"`
	Type              string            `yaml:"type,omitempty"`
	Executor          string            `yaml:"executor"`
	TriggerType       string            `yaml:"triggerType,omitempty"`
	TerminateWithFail bool              `yaml:"terminateWithFail,omitempty"`
	Children          []string          `yaml:"children,omitempty"`
	Attributes        map[string]string `yaml:"attributes,omitempty"`
	Dispatch          struct {
		LoadBalance string  `yaml:"loadBalance,omitempty"`
		CPU         float64 `yaml:"cpu,omitempty"`
		RAM         float64 `yaml:"ram,omitempty"`
		Tags        []struct {
			Name      string `yaml:"name"`
			Value     string `yaml:"value,omitempty"`
			Condition string `yaml:"condition"`
		} `yaml:"tags,omitempty"`
	} `yaml:"dispatch,omitempty"`
	Retry struct {
		Count    int `yaml:"count,omitempty"`
		Interval int `yaml:"interval,omitempty"`
	} `yaml:"retry,omitempty"`
}

// Load reads and parses a plan file
func Load(path string) (*types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	plan, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// Parse validates a YAML plan document against the plan schema and
// converts it. The DAG and the schedule are checked as SavePlan would.
func Parse(data []byte) (*types.Plan, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &types.ConfigError{Field: "plan file", Reason: err.Error()}
	}

	plan, err := doc.toPlan()
	if err != nil {
		return nil, err
	}
	if _, err := dag.New(plan.Jobs); err != nil {
		return nil, err
	}
	if plan.TriggerType == types.TriggerTypeSchedule {
		if err := calculator.Validate(plan.Schedule); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func validateSchema(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return &types.ConfigError{Field: "plan file", Reason: err.Error()}
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return &types.ConfigError{Field: "plan file", Reason: err.Error()}
	}
	var doc interface{}
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return &types.ConfigError{Field: "plan file", Reason: err.Error()}
	}
	if err := planSchema.Validate(doc); err != nil {
		return &types.ConfigError{Field: "plan file", Reason: err.Error()}
	}
	return nil
}

func (d *Document) toPlan() (*types.Plan, error) {
	plan := &types.Plan{
		ID:      d.ID,
		Name:    d.Name,
		Enabled: d.Enabled == nil || *d.Enabled,
	}
	if plan.Name == "" {
		plan.Name = d.ID
	}

	plan.Type = types.PlanTypeWorkflow
	if d.Type != "" {
		plan.Type = types.PlanType(d.Type)
	}

	var err error
	if plan.TriggerType, err = types.ParseTriggerType(d.TriggerType); err != nil {
		return nil, err
	}

	if d.Schedule != nil {
		if plan.Schedule, err = d.Schedule.toOption(); err != nil {
			return nil, err
		}
	} else if plan.TriggerType == types.TriggerTypeSchedule {
		return nil, &types.ConfigError{Field: "schedule", Reason: "required for SCHEDULE plans"}
	}

	children := make(map[string]bool)
	for _, j := range d.Jobs {
		for _, c := range j.Children {
			children[c] = true
		}
	}

	for _, j := range d.Jobs {
		job, err := j.toJob(!children[j.ID])
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		plan.Jobs = append(plan.Jobs, job)
	}

	if plan.Type == types.PlanTypeSingle && len(plan.Jobs) != 1 {
		return nil, &types.ConfigError{Field: "jobs", Reason: "a SINGLE plan has exactly one job"}
	}
	return plan, nil
}

func (s *ScheduleBlock) toOption() (types.ScheduleOption, error) {
	var opt types.ScheduleOption
	var err error

	if opt.Type, err = types.ParseScheduleType(s.Type); err != nil {
		return opt, err
	}
	if opt.CronType, err = types.ParseCronType(s.CronType); err != nil {
		return opt, err
	}
	opt.Cron = s.Cron

	if opt.StartAt, err = parseTime("schedule startAt", s.StartAt); err != nil {
		return opt, err
	}
	if opt.EndAt, err = parseTime("schedule endAt", s.EndAt); err != nil {
		return opt, err
	}
	if opt.Delay, err = parseDuration("schedule delay", s.Delay); err != nil {
		return opt, err
	}
	if opt.Interval, err = parseDuration("schedule interval", s.Interval); err != nil {
		return opt, err
	}
	return opt, nil
}

// toJob converts a job block. Roots default to SCHEDULE, other nodes to
// PRE_FINISH.
func (j *JobBlock) toJob(root bool) (*types.WorkflowJobInfo, error) {
	job := &types.WorkflowJobInfo{
		ID:                j.ID,
		Name:              j.Name,
		ExecutorName:      j.Executor,
		Attributes:        j.Attributes,
		ChildrenIDs:       j.Children,
		TerminateWithFail: j.TerminateWithFail,
		Retry: types.RetryOption{
			Retry:         j.Retry.Count,
			RetryInterval: j.Retry.Interval,
		},
	}
	if job.Name == "" {
		job.Name = j.ID
	}

	var err error
	if job.Type, err = types.ParseJobType(j.Type); err != nil {
		return nil, err
	}

	switch {
	case j.TriggerType != "":
		if job.TriggerType, err = types.ParseTriggerType(j.TriggerType); err != nil {
			return nil, err
		}
	case root:
		job.TriggerType = types.TriggerTypeSchedule
	default:
		job.TriggerType = types.TriggerTypePreFinish
	}

	if job.Dispatch.LoadBalanceType, err = types.ParseLoadBalanceType(j.Dispatch.LoadBalance); err != nil {
		return nil, err
	}
	job.Dispatch.CPURequirement = j.Dispatch.CPU
	job.Dispatch.RAMRequirement = j.Dispatch.RAM
	for _, tag := range j.Dispatch.Tags {
		cond, err := types.ParseTagCondition(tag.Condition)
		if err != nil {
			return nil, err
		}
		job.Dispatch.TagFilters = append(job.Dispatch.TagFilters, types.TagFilter{
			Name:      tag.Name,
			Value:     tag.Value,
			Condition: cond,
		})
	}
	return job, nil
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &types.ConfigError{Field: field, Reason: err.Error()}
	}
	return t, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &types.ConfigError{Field: field, Reason: err.Error()}
	}
	return d, nil
}

func mustCompile(schemaYAML []byte) *jsonschema.Schema {
	var schemaData interface{}
	if err := yaml.Unmarshal(schemaYAML, &schemaData); err != nil {
		panic(fmt.Sprintf("failed to parse plan schema: %v", err))
	}
	jsonData, err := json.Marshal(schemaData)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal plan schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("plan.schema.json", bytes.NewReader(jsonData)); err != nil {
		panic(fmt.Sprintf("failed to add plan schema: %v", err))
	}
	return compiler.MustCompile("plan.schema.json")
}
