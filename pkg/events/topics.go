package events

const TopicEvents = "hyve.events"

type Type string

const (
	TypeSweepFinished  Type = "sweep.finished"
	TypeLevelStarted   Type = "level.started"
	TypeLevelFinished  Type = "level.finished"
	TypeServiceStatus  Type = "service.status"
	TypeServiceAtRisk  Type = "service.at_risk"
	TypePrepareResult  Type = "prepare.result"
	TypeStartupDone    Type = "startup.finished"
	TypeWatchStarted   Type = "watch.started"
	TypeWatchTriggered Type = "watch.triggered"
	TypeWatchSkipped   Type = "watch.skipped"
)
