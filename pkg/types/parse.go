package types

import "strings"

// ParseScheduleType parses a schedule type name
func ParseScheduleType(s string) (ScheduleType, error) {
	switch t := ScheduleType(strings.ToUpper(s)); t {
	case ScheduleTypeCron, ScheduleTypeFixedDelay, ScheduleTypeFixedRate, ScheduleTypeOnce:
		return t, nil
	}
	return "", &ConfigError{Field: "schedule type", Reason: "unknown value " + s}
}

// ParseCronType parses a cron dialect name, defaulting to UNIX
func ParseCronType(s string) (CronType, error) {
	if s == "" {
		return CronTypeUnix, nil
	}
	switch t := CronType(strings.ToUpper(s)); t {
	case CronTypeUnix, CronTypeQuartz:
		return t, nil
	}
	return "", &ConfigError{Field: "cron type", Reason: "unknown value " + s}
}

// ParseJobType parses a job type name, defaulting to NORMAL
func ParseJobType(s string) (JobType, error) {
	if s == "" {
		return JobTypeNormal, nil
	}
	switch t := JobType(strings.ToUpper(s)); t {
	case JobTypeNormal, JobTypeBroadcast, JobTypeMap, JobTypeMapReduce:
		return t, nil
	}
	return "", &ConfigError{Field: "job type", Reason: "unknown value " + s}
}

// ParseLoadBalanceType parses a load balance type name, defaulting to ROUND_ROBIN
func ParseLoadBalanceType(s string) (LoadBalanceType, error) {
	if s == "" {
		return LoadBalanceRoundRobin, nil
	}
	switch t := LoadBalanceType(strings.ToUpper(s)); t {
	case LoadBalanceRandom, LoadBalanceRoundRobin, LoadBalanceAppoint,
		LoadBalanceConsistentHash, LoadBalanceLeastFrequentlyUsed, LoadBalanceLeastRecentlyUsed:
		return t, nil
	}
	return "", &ConfigError{Field: "load balance type", Reason: "unknown value " + s}
}

// ParseTagCondition parses a tag filter condition name
func ParseTagCondition(s string) (TagCondition, error) {
	switch t := TagCondition(strings.ToUpper(s)); t {
	case TagExists, TagNotExists, TagMustMatchValue, TagMustNotMatchValue, TagMustMatchValueRegex:
		return t, nil
	}
	return "", &ConfigError{Field: "tag condition", Reason: "unknown value " + s}
}

// ParseTriggerType parses a trigger type name, defaulting to SCHEDULE
func ParseTriggerType(s string) (TriggerType, error) {
	if s == "" {
		return TriggerTypeSchedule, nil
	}
	switch t := TriggerType(strings.ToUpper(s)); t {
	case TriggerTypeSchedule, TriggerTypeAPI, TriggerTypePreFinish, TriggerTypeOutside:
		return t, nil
	}
	return "", &ConfigError{Field: "trigger type", Reason: "unknown value " + s}
}
