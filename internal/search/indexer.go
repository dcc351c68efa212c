package search

import (
	"context"
	"log"

	"devstudio/api/internal/realtime"
)

// Consume applies change events to the index until events is closed or
// ctx ends. Events are applied one at a time so an insert is never
// overtaken by a later delete. A (re)connect or an index recovery triggers
// a full reindex since events may have been missed or dropped.
func (s *Service) Consume(ctx context.Context, events <-chan realtime.Event) {
	var recovered <-chan struct{}
	if s.index != nil {
		recovered = s.index.Recovered()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-recovered:
			log.Println("search: index recovered, reindexing messages")
			s.ReindexAll(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.apply(ctx, ev)
		}
	}
}

func (s *Service) apply(ctx context.Context, ev realtime.Event) {
	if ev.Kind == realtime.EventConnected {
		s.ReindexAll(ctx)
		return
	}
	if !s.indexReady() {
		return
	}

	var err error
	switch ev.Kind {
	case realtime.EventInsert:
		if ev.Message == nil {
			return
		}
		err = s.index.IndexMessages([]MessageRecord{RecordFromMessage(*ev.Message)})
	case realtime.EventDelete:
		if ev.OwnerID != "" {
			err = s.index.DeleteByOwner(ev.Scope, ev.OwnerID)
		} else {
			err = s.index.DeleteScope(ev.Scope)
		}
	}
	if err != nil {
		log.Printf("search: apply %s on scope %s: %v", ev.Kind, ev.Scope, err)
	}
}
