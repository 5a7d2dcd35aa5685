package controller

import (
	"sync"

	"folder_to_pdf/internal/converter"
)

// State is the user input shared between a front end and its Controller.
// It is created once at start-up and handed to both.
type State struct {
	mu     sync.RWMutex
	title  string
	folder string
}

// NewState returns a State with the given initial values.
func NewState(title, folder string) *State {
	return &State{title: title, folder: folder}
}

func (s *State) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

func (s *State) SetFolder(folder string) {
	s.mu.Lock()
	s.folder = folder
	s.mu.Unlock()
}

func (s *State) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *State) Folder() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.folder
}

// Enabled reports whether a conversion can be triggered: the title has visible text and the folder is set.
// It applies the same rule as converter.Request.Validate.
func (s *State) Enabled() bool {
	return s.Request().Validate() == nil
}

// OutputPreview is the file a run would write right now, or "" while not enabled.
func (s *State) OutputPreview() string {
	req := s.Request()
	if req.Validate() != nil {
		return ""
	}
	return req.OutputPath()
}

// Request snapshots the current input.
func (s *State) Request() converter.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return converter.Request{Title: s.title, Folder: s.folder}
}
