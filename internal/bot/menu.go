package bot

import (
	tele "gopkg.in/telebot.v4"

	"github.com/DoctorSlayer/telegram-rss-bot-2/internal/feed"
)

func mainMenu() *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	m.Inline(
		m.Row(m.Data("Add channel", "add_channel")),
		m.Row(m.Data("Choose topic", "choose_topic")),
		m.Row(m.Data("Start posting", "start_posting")),
		m.Row(m.Data("Stop posting", "stop_posting")),
	)
	return m
}

func topicMenu(reg *feed.Registry) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		rows = append(rows, m.Row(m.Data(name, "topic:"+name)))
	}
	m.Inline(rows...)
	return m
}
