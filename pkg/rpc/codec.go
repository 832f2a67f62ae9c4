package rpc

import (
	"fmt"

	"github.com/cuemby/flowjob/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// Payload field names
const (
	fieldTaskID         = "task_id"
	fieldJobInstanceID  = "job_instance_id"
	fieldPlanInstanceID = "plan_instance_id"
	fieldJobID          = "job_id"
	fieldTaskType       = "type"
	fieldExecutorName   = "executor_name"
	fieldShardIndex     = "shard_index"
	fieldAttributes     = "attributes"
	fieldResult         = "result"
	fieldError          = "error"

	fieldWorkerID   = "worker_id"
	fieldURL        = "url"
	fieldExecutors  = "executors"
	fieldTags       = "tags"
	fieldCPU        = "cpu"
	fieldRAM        = "ram"
	fieldQueueLimit = "queue_limit"
	fieldStatus     = "status"
)

// EncodeTask converts a task into the dispatch payload
func EncodeTask(task *types.Task) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldTaskID:         task.ID,
		fieldJobInstanceID:  task.JobInstanceID,
		fieldPlanInstanceID: task.PlanInstanceID,
		fieldJobID:          task.JobID,
		fieldTaskType:       string(task.Type),
		fieldExecutorName:   task.ExecutorName,
		fieldShardIndex:     task.ShardIndex,
		fieldAttributes:     anyMap(task.Attributes),
	})
}

// DecodeTask reads a dispatch payload
func DecodeTask(s *structpb.Struct) (*types.Task, error) {
	id := stringField(s, fieldTaskID)
	if id == "" {
		return nil, fmt.Errorf("missing %s", fieldTaskID)
	}
	return &types.Task{
		ID:             id,
		JobInstanceID:  stringField(s, fieldJobInstanceID),
		PlanInstanceID: stringField(s, fieldPlanInstanceID),
		JobID:          stringField(s, fieldJobID),
		Type:           types.TaskType(stringField(s, fieldTaskType)),
		ExecutorName:   stringField(s, fieldExecutorName),
		ShardIndex:     int(s.GetFields()[fieldShardIndex].GetNumberValue()),
		Attributes:     stringMap(s, fieldAttributes),
	}, nil
}

// EncodeHeartbeat converts a worker snapshot into the heartbeat payload
func EncodeHeartbeat(w *types.Worker) (*structpb.Struct, error) {
	executors := make([]any, len(w.Executors))
	for i, e := range w.Executors {
		executors[i] = e
	}
	tags := make(map[string]any, len(w.Tags))
	for k, values := range w.Tags {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		tags[k] = list
	}
	return structpb.NewStruct(map[string]any{
		fieldWorkerID:   w.ID,
		fieldURL:        w.URL,
		fieldExecutors:  executors,
		fieldTags:       tags,
		fieldCPU:        w.Resource.AvailableCPU,
		fieldRAM:        w.Resource.AvailableRAM,
		fieldQueueLimit: w.Resource.AvailableQueueLimit,
		fieldStatus:     string(w.Status),
	})
}

// DecodeHeartbeat reads a heartbeat payload
func DecodeHeartbeat(s *structpb.Struct) (*types.Worker, error) {
	id := stringField(s, fieldWorkerID)
	if id == "" {
		return nil, fmt.Errorf("missing %s", fieldWorkerID)
	}
	fields := s.GetFields()

	w := &types.Worker{
		ID:     id,
		URL:    stringField(s, fieldURL),
		Tags:   make(map[string][]string),
		Status: types.WorkerStatus(stringField(s, fieldStatus)),
		Resource: types.WorkerResource{
			AvailableCPU:        fields[fieldCPU].GetNumberValue(),
			AvailableRAM:        fields[fieldRAM].GetNumberValue(),
			AvailableQueueLimit: int(fields[fieldQueueLimit].GetNumberValue()),
		},
	}
	for _, v := range fields[fieldExecutors].GetListValue().GetValues() {
		w.Executors = append(w.Executors, v.GetStringValue())
	}
	for k, v := range fields[fieldTags].GetStructValue().GetFields() {
		for _, item := range v.GetListValue().GetValues() {
			w.Tags[k] = append(w.Tags[k], item.GetStringValue())
		}
	}
	return w, nil
}

func feedbackPayload(taskID string, extra map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{fieldTaskID: taskID}
	for k, v := range extra {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// stringMap flattens a nested struct field into string values
func stringMap(s *structpb.Struct, name string) map[string]string {
	nested := s.GetFields()[name].GetStructValue().GetFields()
	if len(nested) == 0 {
		return nil
	}
	out := make(map[string]string, len(nested))
	for k, v := range nested {
		if str, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			out[k] = str.StringValue
			continue
		}
		data, err := v.MarshalJSON()
		if err == nil {
			out[k] = string(data)
		}
	}
	return out
}

func anyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
