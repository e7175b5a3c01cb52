// Package sim is an in-memory accessibility platform. It keeps a small
// element tree per application, honours event source registrations the way
// the native platform does, and delivers callbacks on their own goroutines.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/axnotify/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoApplication is returned for processes the platform does not know
	ErrNoApplication = errors.New("no such application")

	// ErrProcessGone is returned when the process has exited
	ErrProcessGone = errors.New("process gone")

	// ErrInvalidSource is returned for destroyed or foreign event sources
	ErrInvalidSource = errors.New("invalid event source")

	// ErrAlreadyRegistered mirrors the native refusal to register a notification twice
	ErrAlreadyRegistered = errors.New("notification already registered")

	// ErrNotRegistered is returned when removing a notification that was never added
	ErrNotRegistered = errors.New("notification not registered")

	// ErrNoProcess is returned when an element has no owning process
	ErrNoProcess = errors.New("element has no owning process")
)

// Element is a node of the simulated tree
type Element struct {
	id     string
	pid    domain.ProcessID
	system bool
	Role   string
	Title  string
	parent *Element
}

// ElementID returns the element identity
func (e *Element) ElementID() string {
	return e.id
}

// Process returns the owning process of the element
func (e *Element) Process() domain.ProcessID {
	return e.pid
}

func (e *Element) String() string {
	return e.id
}

type regKey struct {
	element string
	t       domain.NotificationType
}

type registration struct {
	element *Element
	refcon  any
}

// Source is a simulated event source
type Source struct {
	id        string
	pid       *domain.ProcessID
	cb        domain.Callback
	regs      map[regKey]registration
	destroyed bool
}

// SourceID returns the source identity
func (s *Source) SourceID() string {
	return s.id
}

// Option configures a Platform
type Option func(*Platform)

// WithProcessChecker makes event source creation verify that the process is alive
func WithProcessChecker(c ProcessChecker) Option {
	return func(p *Platform) {
		p.checker = c
	}
}

// WithAutoApplications registers unknown but running processes on first use
func WithAutoApplications() Option {
	return func(p *Platform) {
		p.autoApps = true
	}
}

// Platform implements domain.Platform in memory
type Platform struct {
	mu       sync.Mutex
	apps     map[domain.ProcessID]*Element
	elements map[string]*Element
	system   *Element
	sources  map[string]*Source
	nextID   uint64
	checker  ProcessChecker
	autoApps bool

	failCreate    map[handleSlot]error
	failAdd       map[domain.NotificationType]error
	failRemove    map[domain.NotificationType]error
	failProcessOf map[string]error

	deliveries sync.WaitGroup
	logger     zerolog.Logger
}

type handleSlot struct {
	global bool
	pid    domain.ProcessID
}

func slotFor(pid *domain.ProcessID) handleSlot {
	if pid == nil {
		return handleSlot{global: true}
	}
	return handleSlot{pid: *pid}
}

var _ domain.Platform = (*Platform)(nil)

// New creates an empty simulated platform
func New(opts ...Option) *Platform {
	p := &Platform{
		apps:          make(map[domain.ProcessID]*Element),
		elements:      make(map[string]*Element),
		sources:       make(map[string]*Source),
		failCreate:    make(map[handleSlot]error),
		failAdd:       make(map[domain.NotificationType]error),
		failRemove:    make(map[domain.NotificationType]error),
		failProcessOf: make(map[string]error),
		logger:        log.With().Str("component", "platform-sim").Logger(),
	}
	p.system = &Element{id: "system", system: true, Role: "AXSystemWide"}
	p.elements[p.system.id] = p.system

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddApplication registers a process and returns its root element
func (p *Platform) AddApplication(pid domain.ProcessID, name string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addApplicationLocked(pid, name)
}

func (p *Platform) addApplicationLocked(pid domain.ProcessID, name string) *Element {
	if root, ok := p.apps[pid]; ok {
		return root
	}
	root := &Element{
		id:    fmt.Sprintf("app-%d", pid),
		pid:   pid,
		Role:  "AXApplication",
		Title: name,
	}
	p.apps[pid] = root
	p.elements[root.id] = root
	return root
}

// RemoveApplication forgets a process, as if it had exited
func (p *Platform) RemoveApplication(pid domain.ProcessID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.apps, pid)
	for id, e := range p.elements {
		if !e.system && e.pid == pid {
			delete(p.elements, id)
		}
	}
}

// AddElement creates a child element under parent
func (p *Platform) AddElement(parent *Element, role, title string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	e := &Element{
		id:     fmt.Sprintf("el-%d-%d", parent.pid, p.nextID),
		pid:    parent.pid,
		Role:   role,
		Title:  title,
		parent: parent,
	}
	p.elements[e.id] = e
	return e
}

// Element looks an element up by id
func (p *Platform) Element(id string) (*Element, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.elements[id]
	return e, ok
}

// Applications returns the known process ids in ascending order
func (p *Platform) Applications() []domain.ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.ProcessID, 0, len(p.apps))
	for pid := range p.apps {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FailCreate makes CreateEventSource fail for pid (nil for the global source)
func (p *Platform) FailCreate(pid *domain.ProcessID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setFailure(p.failCreate, slotFor(pid), err)
}

// FailAdd makes AddNotification fail for t
func (p *Platform) FailAdd(t domain.NotificationType, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setFailure(p.failAdd, t, err)
}

// FailRemove makes RemoveNotification fail for t
func (p *Platform) FailRemove(t domain.NotificationType, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setFailure(p.failRemove, t, err)
}

// FailProcessOf makes ProcessOf fail for element, as the native call transiently does
func (p *Platform) FailProcessOf(element domain.ElementRef, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	setFailure(p.failProcessOf, element.ElementID(), err)
}

// setFailure installs err, or clears the failure when err is nil
func setFailure[K comparable](m map[K]error, k K, err error) {
	if err == nil {
		delete(m, k)
		return
	}
	m[k] = err
}

// CreateEventSource implements domain.Platform
func (p *Platform) CreateEventSource(pid *domain.ProcessID, cb domain.Callback) (domain.EventSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failCreate[slotFor(pid)]; ok {
		return nil, err
	}

	if pid != nil {
		if err := p.ensureApplicationLocked(*pid); err != nil {
			return nil, err
		}
	}

	p.nextID++
	src := &Source{
		id:   fmt.Sprintf("src-%s-%d", domain.FormatProcess(pid), p.nextID),
		cb:   cb,
		regs: make(map[regKey]registration),
	}
	if pid != nil {
		src.pid = domain.PID(int32(*pid))
	}
	p.sources[src.id] = src
	return src, nil
}

func (p *Platform) ensureApplicationLocked(pid domain.ProcessID) error {
	if p.checker != nil {
		alive, err := p.checker.Exists(pid)
		if err != nil {
			return fmt.Errorf("check process %d: %w", pid, err)
		}
		if !alive {
			return fmt.Errorf("%w: %d", ErrProcessGone, pid)
		}
	}

	if _, ok := p.apps[pid]; ok {
		return nil
	}
	if !p.autoApps || p.checker == nil {
		return fmt.Errorf("%w: %d", ErrNoApplication, pid)
	}

	name, err := p.checker.Name(pid)
	if err != nil {
		name = fmt.Sprintf("pid-%d", pid)
	}
	p.addApplicationLocked(pid, name)
	p.logger.Debug().Int32("pid", int32(pid)).Str("name", name).Msg("Registered running process")
	return nil
}

func (p *Platform) sourceLocked(src domain.EventSource) (*Source, error) {
	s, ok := src.(*Source)
	if !ok || s == nil {
		return nil, ErrInvalidSource
	}
	if live, ok := p.sources[s.id]; !ok || live != s || s.destroyed {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSource, s.id)
	}
	return s, nil
}

func (p *Platform) elementLocked(ref domain.ElementRef) (*Element, error) {
	if ref == nil {
		return nil, errors.New("nil element")
	}
	e, ok := p.elements[ref.ElementID()]
	if !ok {
		return nil, fmt.Errorf("unknown element %s", ref.ElementID())
	}
	return e, nil
}

// AddNotification implements domain.Platform
func (p *Platform) AddNotification(src domain.EventSource, element domain.ElementRef, t domain.NotificationType, refcon any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failAdd[t]; ok {
		return err
	}
	s, err := p.sourceLocked(src)
	if err != nil {
		return err
	}
	e, err := p.elementLocked(element)
	if err != nil {
		return err
	}
	if s.pid != nil && (e.system || e.pid != *s.pid) {
		return fmt.Errorf("element %s does not belong to process %d", e.id, *s.pid)
	}

	k := regKey{element: e.id, t: t}
	if _, ok := s.regs[k]; ok {
		return ErrAlreadyRegistered
	}
	s.regs[k] = registration{element: e, refcon: refcon}
	return nil
}

// RemoveNotification implements domain.Platform
func (p *Platform) RemoveNotification(src domain.EventSource, element domain.ElementRef, t domain.NotificationType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failRemove[t]; ok {
		return err
	}
	s, err := p.sourceLocked(src)
	if err != nil {
		return err
	}
	if element == nil {
		return errors.New("nil element")
	}

	k := regKey{element: element.ElementID(), t: t}
	if _, ok := s.regs[k]; !ok {
		return ErrNotRegistered
	}
	delete(s.regs, k)
	return nil
}

// DestroyEventSource implements domain.Platform
func (p *Platform) DestroyEventSource(src domain.EventSource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.sourceLocked(src)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Destroying unknown event source")
		return
	}
	if len(s.regs) > 0 {
		p.logger.Warn().Str("source", s.id).Int("registrations", len(s.regs)).Msg("Destroying event source with live registrations")
	}
	s.destroyed = true
	delete(p.sources, s.id)
}

// ApplicationElement implements domain.Platform
func (p *Platform) ApplicationElement(pid domain.ProcessID) (domain.ElementRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	root, ok := p.apps[pid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoApplication, pid)
	}
	return root, nil
}

// SystemElement implements domain.Platform
func (p *Platform) SystemElement() domain.ElementRef {
	return p.system
}

// ProcessOf implements domain.Platform
func (p *Platform) ProcessOf(element domain.ElementRef) (domain.ProcessID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if element == nil {
		return 0, ErrNoProcess
	}
	if err, ok := p.failProcessOf[element.ElementID()]; ok {
		return 0, err
	}
	e, err := p.elementLocked(element)
	if err != nil {
		return 0, err
	}
	if e.system {
		return 0, ErrNoProcess
	}
	return e.pid, nil
}

// delivery is one pending callback
type delivery struct {
	cb     domain.Callback
	refcon any
}

// matchLocked collects the callbacks a posted event reaches. A registration
// matches when it is on the element itself, on an ancestor, or on the
// system-wide element. Per owner, a source bound to the event's process wins
// over the global source, so each owner sees an event once.
func (p *Platform) matchLocked(e *Element, t domain.NotificationType) []delivery {
	ids := make([]string, 0, 4)
	for n := e; n != nil; n = n.parent {
		ids = append(ids, n.id)
	}
	ids = append(ids, p.system.id)

	srcIDs := make([]string, 0, len(p.sources))
	for id := range p.sources {
		srcIDs = append(srcIDs, id)
	}
	sort.Strings(srcIDs)

	var bound, global []delivery
	for _, id := range srcIDs {
		s := p.sources[id]
		if s.pid != nil && (e.system || *s.pid != e.pid) {
			continue
		}
		for _, elemID := range ids {
			if reg, ok := s.regs[regKey{element: elemID, t: t}]; ok {
				d := delivery{cb: s.cb, refcon: reg.refcon}
				if s.pid != nil {
					bound = append(bound, d)
				} else {
					global = append(global, d)
				}
				break
			}
		}
	}

	owners := make(map[string]bool, len(bound))
	for _, d := range bound {
		owners[ownerOf(d.refcon)] = true
	}
	out := bound
	for _, d := range global {
		if !owners[ownerOf(d.refcon)] {
			out = append(out, d)
		}
	}
	return out
}

func ownerOf(refcon any) string {
	if ctx, ok := refcon.(*domain.CallbackContext); ok && ctx != nil {
		return ctx.Owner
	}
	return ""
}

// Post fires an event for element. Each matching source is called back on
// its own goroutine, like a native callback arriving on a foreign thread.
// It returns the number of callbacks scheduled.
func (p *Platform) Post(element *Element, t domain.NotificationType, payload any) int {
	p.mu.Lock()
	targets := p.matchLocked(element, t)
	p.mu.Unlock()

	for _, d := range targets {
		p.deliveries.Add(1)
		go func(d delivery) {
			defer p.deliveries.Done()
			d.cb(element, string(t), payload, d.refcon)
		}(d)
	}
	return len(targets)
}

// PostToProcess fires an event on the application element of pid
func (p *Platform) PostToProcess(pid domain.ProcessID, t domain.NotificationType, payload any) (int, error) {
	p.mu.Lock()
	root, ok := p.apps[pid]
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoApplication, pid)
	}
	return p.Post(root, t, payload), nil
}

// PostSync fires an event and runs the callbacks on the calling goroutine
func (p *Platform) PostSync(element *Element, t domain.NotificationType, payload any) int {
	p.mu.Lock()
	targets := p.matchLocked(element, t)
	p.mu.Unlock()

	for _, d := range targets {
		d.cb(element, string(t), payload, d.refcon)
	}
	return len(targets)
}

// Wait blocks until every callback scheduled by Post has returned
func (p *Platform) Wait() {
	p.deliveries.Wait()
}

// LiveSources returns the ids of sources that have not been destroyed
func (p *Platform) LiveSources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.sources))
	for id := range p.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Registrations returns "element/type" pairs registered on a source
func (p *Platform) Registrations(src domain.EventSource) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.sourceLocked(src)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(s.regs))
	for k := range s.regs {
		out = append(out, k.element+"/"+string(k.t))
	}
	sort.Strings(out)
	return out
}
