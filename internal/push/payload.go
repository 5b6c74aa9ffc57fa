package push

import (
	"fmt"
	"strings"
	"time"

	"mkhub/internal/schedule"
)

const (
	defaultIcon = "/favicon.ico"
	defaultURL  = "/lounge"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Payload is the JSON document the service worker renders.
type Payload struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Tag                string   `json:"tag"`
	Type               string   `json:"type"`
	URL                string   `json:"url"`
	RequireInteraction bool     `json:"requireInteraction"`
	Actions            []Action `json:"actions"`
	SQID               string   `json:"sqId,omitempty"`
}

// WithLinks overrides icon and click-through URL when set.
func (p Payload) WithLinks(icon, url string) Payload {
	if icon != "" {
		p.Icon = icon
	}
	if url != "" {
		p.URL = url
	}
	return p
}

var closeAction = Action{Action: "close", Title: "Fermer"}

func LoungeQueueOpen(nextHour int, now time.Time) Payload {
	return Payload{
		Title:              "🎮 Lounge Queue Ouverte!",
		Body:               fmt.Sprintf("La queue pour le Lounge de %02dH est ouverte!", nextHour),
		Icon:               defaultIcon,
		Tag:                fmt.Sprintf("lounge-queue-%d", now.UnixMilli()),
		Type:               "lounge_queue",
		URL:                defaultURL,
		RequireInteraction: true,
		Actions:            []Action{{Action: "open", Title: "🎯 Rejoindre"}, closeAction},
	}
}

func SQQueueOpen(e schedule.Entry, loc *time.Location) Payload {
	f := strings.ToUpper(string(e.Format))
	return Payload{
		Title:              fmt.Sprintf("🏁 SQ %s - Queue Ouverte!", f),
		Body:               fmt.Sprintf("La queue pour la Squad Queue #%s (%s) est ouverte! Début à %s.", e.ID, f, clock(e.At(), loc)),
		Icon:               defaultIcon,
		Tag:                "sq-queue-" + e.ID,
		Type:               "sq_queue",
		URL:                defaultURL,
		RequireInteraction: true,
		Actions:            []Action{{Action: "open", Title: "🎯 S'inscrire"}, closeAction},
		SQID:               e.ID,
	}
}

func Test(now time.Time) Payload {
	return Payload{
		Title:   "🔔 Notification de test",
		Body:    "Les notifications MK8DX Hub fonctionnent!",
		Icon:    defaultIcon,
		Tag:     fmt.Sprintf("test-%d", now.UnixMilli()),
		Type:    "test",
		URL:     defaultURL,
		Actions: []Action{{Action: "open", Title: "Ouvrir"}, closeAction},
	}
}

func clock(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("15:04")
}
