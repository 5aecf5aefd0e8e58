// Package helpbot answers questions in the built-in SkillSwap help chat.
package helpbot

import "strings"

const (
	ChatID   = "skillswap_help_chat"
	BotID    = "skillswap_bot"
	BotName  = "SkillSwap"
	Greeting = "Welcome to SkillSwap! How can I help you today?"
	Preview  = "Welcome to SkillSwap!"
	Fallback = "I'm sorry, I don't understand that question. Please ask me about our webpage, developer, features, or benefits."
)

type entry struct {
	keyword string
	answer  string
}

// Checked in order; the first keyword found in the question wins.
var knowledgeBase = []entry{
	{keyword: "webpage", answer: "Our webpage is a platform for users to swap skills with each other."},
	{keyword: "developer", answer: "This application was created by a team of passionate developers from around the world."},
	{keyword: "features", answer: "We offer real-time chat, skill matching, and a secure platform for users to connect."},
	{keyword: "benefits", answer: "Users can learn new skills, share their expertise, and connect with like-minded individuals."},
}

func Answer(question string) string {
	normalized := strings.ToLower(question)
	for _, item := range knowledgeBase {
		if strings.Contains(normalized, item.keyword) {
			return item.answer
		}
	}
	return Fallback
}

func Topics() []string {
	topics := make([]string, 0, len(knowledgeBase))
	for _, item := range knowledgeBase {
		topics = append(topics, item.keyword)
	}
	return topics
}
