package store

import (
	"context"
	"errors"
	"fmt"

	"chat-engine/internal/models"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	// ErrNotGroupOwner gates outright group deletion to the creator.
	ErrNotGroupOwner  = errors.New("only the group creator may delete it")
	ErrNotGroupMember = errors.New("not a member of the group")
)

// UpsertGroup stores group metadata and makes sure the matching group
// conversation exists.
func (s *Store) UpsertGroup(group models.Group) {
	s.mu.Lock()
	s.groups[group.ID] = group
	conv, _ := s.ensureConversationLocked(group.ID, true)
	conv.IsGroup = true
	s.mu.Unlock()

	if err := s.snapshots.SaveGroup(context.Background(), group); err != nil {
		s.log.Warnw("group snapshot save failed", "group_id", group.ID, "error", err)
	}
	s.notify()
}

// Group returns group metadata by id.
func (s *Store) Group(groupID string) (models.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	return group, ok
}

// LeaveGroup removes the given member from the roster. Any member may leave;
// when the local user leaves, the conversation is removed too.
func (s *Store) LeaveGroup(groupID, userID string) error {
	s.mu.Lock()
	group, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if _, ok := group.Member(userID); !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotGroupMember, userID)
	}
	members := make([]models.GroupMember, 0, len(group.Members)-1)
	for _, m := range group.Members {
		if m.UserID != userID {
			members = append(members, m)
		}
	}
	group.Members = members
	s.groups[groupID] = group
	localLeft := userID == s.localUserID
	s.mu.Unlock()

	if err := s.snapshots.SaveGroup(context.Background(), group); err != nil {
		s.log.Warnw("group snapshot save failed", "group_id", groupID, "error", err)
	}
	if localLeft {
		s.removeGroupState(groupID)
	}
	s.notify()
	return nil
}

// DeleteGroup removes a group outright. Only the creator may do this.
func (s *Store) DeleteGroup(groupID, userID string) error {
	s.mu.Lock()
	group, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if group.CreatedBy != userID {
		s.mu.Unlock()
		return ErrNotGroupOwner
	}
	s.mu.Unlock()

	s.removeGroupState(groupID)
	s.notify()
	return nil
}

func (s *Store) removeGroupState(groupID string) {
	s.mu.Lock()
	delete(s.groups, groupID)
	delete(s.conversations, groupID)
	delete(s.typing, groupID)
	if s.active == groupID {
		s.active = ""
	}
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.snapshots.DeleteGroup(ctx, groupID); err != nil {
		s.log.Warnw("group snapshot delete failed", "group_id", groupID, "error", err)
	}
	if err := s.snapshots.DeleteShell(ctx, groupID); err != nil {
		s.log.Warnw("snapshot delete failed", "conversation_id", groupID, "error", err)
	}
}
