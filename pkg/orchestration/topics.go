package orchestration

import "fmt"

const topicPrefix = "dpsgd"

type TopicBuilder struct {
	jobID string
}

func NewTopicBuilder(jobID string) *TopicBuilder {
	return &TopicBuilder{jobID: jobID}
}

func (tb *TopicBuilder) BaseTopic() string {
	return fmt.Sprintf("%s/%s", topicPrefix, tb.jobID)
}

// JoinTopic carries data-holder announcements and heartbeats.
func (tb *TopicBuilder) JoinTopic() string {
	return tb.BaseTopic() + "/join"
}

func (tb *TopicBuilder) TaskTopic(roleID string) string {
	return fmt.Sprintf("%s/rounds/%s/task", tb.BaseTopic(), roleID)
}

func (tb *TopicBuilder) UpdatesTopic() string {
	return tb.BaseTopic() + "/rounds/updates"
}

func (tb *TopicBuilder) GlobalTopic() string {
	return tb.BaseTopic() + "/global"
}

func (tb *TopicBuilder) EventsTopic() string {
	return tb.BaseTopic() + "/events"
}

func (tb *TopicBuilder) AllTopics() string {
	return tb.BaseTopic() + "/#"
}
