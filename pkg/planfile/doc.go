/*
Package planfile loads plan definitions written in YAML.

A document is checked against an embedded JSON Schema before it is
converted, so unknown keys and bad enum values are rejected with a
*types.ConfigError. After conversion the job graph is validated with
the dag package and SCHEDULE plans have their schedule option checked by
the calculator package.

	id: nightly-report
	triggerType: SCHEDULE
	schedule:
	  type: CRON
	  cron: "0 2 * * *"
	jobs:
	  - id: extract
	    executor: extract
	    children: [report]
	  - id: report
	    executor: report
	    retry:
	      count: 2
	      interval: 30

Times are RFC 3339 strings and durations use Go duration syntax. Jobs
without a triggerType start on the plan trigger when they are roots and
after their parents otherwise.
*/
package planfile
