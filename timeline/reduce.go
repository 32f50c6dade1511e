package timeline

import "strings"

// BlockList is one session's ordered, keyed block sequence: an append-only
// slice plus a key→index map. Two update disciplines are applied uniformly:
// streaming deltas grow a block in place, discrete state transitions (item
// started/completed, status changes) move the block to the tail so the most
// recently active entry renders last.
type BlockList struct {
	blocks []Block
	index  map[string]int
	ids    IDGen
}

// NewBlockList creates an empty list using the given id generator.
func NewBlockList(ids IDGen) *BlockList {
	if ids == nil {
		ids = &CounterIDGen{}
	}
	return &BlockList{
		index: make(map[string]int),
		ids:   ids,
	}
}

// Len returns the number of blocks.
func (l *BlockList) Len() int { return len(l.blocks) }

// Snapshot returns a copy of all blocks in display order.
func (l *BlockList) Snapshot() []Block {
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// Get returns a copy of the block with the given key.
func (l *BlockList) Get(key string) (Block, bool) {
	i, ok := l.index[key]
	if !ok {
		return Block{}, false
	}
	return l.blocks[i], true
}

// Upsert locates a block by key, appending a new one if absent, and merges
// patch into it. ID and Key are preserved; non-zero patch fields overwrite,
// except Collapsed where an existing explicit preference wins. The block keeps
// its position; callers representing a discrete transition follow up with
// Promote.
func (l *BlockList) Upsert(key string, patch Block) *Block {
	i, ok := l.index[key]
	if !ok {
		patch.ID = l.ids.Next()
		patch.Key = key
		l.blocks = append(l.blocks, patch)
		i = len(l.blocks) - 1
		l.index[key] = i
		return &l.blocks[i]
	}

	b := &l.blocks[i]
	if patch.Kind != "" {
		b.Kind = patch.Kind
	}
	if patch.Title != "" {
		b.Title = patch.Title
	}
	if patch.Subtitle != "" {
		b.Subtitle = patch.Subtitle
	}
	if patch.Body != "" {
		b.Body = patch.Body
	}
	if patch.Status != "" {
		b.Status = patch.Status
	}
	if patch.TimestampMs > 0 {
		b.TimestampMs = patch.TimestampMs
	}
	if b.Collapsed == nil && patch.Collapsed != nil {
		b.Collapsed = patch.Collapsed
	}
	return b
}

// Promote moves the block with the given key to the tail of the sequence.
func (l *BlockList) Promote(key string) {
	i, ok := l.index[key]
	if !ok || i == len(l.blocks)-1 {
		return
	}
	b := l.blocks[i]
	l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
	l.blocks = append(l.blocks, b)
	for j := i; j < len(l.blocks); j++ {
		l.index[l.blocks[j].Key] = j
	}
}

// AppendLine grows a line-oriented block (captured stderr, raw stdout),
// joining lines with a newline separator. The block is created via factory if
// absent and keeps its position.
func (l *BlockList) AppendLine(key string, factory func() Block, line string) *Block {
	i, ok := l.index[key]
	if !ok {
		b := factory()
		b.ID = l.ids.Next()
		b.Key = key
		b.Body = line
		l.blocks = append(l.blocks, b)
		i = len(l.blocks) - 1
		l.index[key] = i
		return &l.blocks[i]
	}
	b := &l.blocks[i]
	if b.Body == "" {
		b.Body = line
	} else {
		b.Body += "\n" + line
	}
	return b
}

// AppendDelta grows a streaming block by plain concatenation, no separator.
// Deltas are non-overlapping token chunks so the body is the exact
// concatenation in arrival order. The block keeps its position.
func (l *BlockList) AppendDelta(key string, factory func() Block, delta string) *Block {
	i, ok := l.index[key]
	if !ok {
		b := factory()
		b.ID = l.ids.Next()
		b.Key = key
		b.Body = delta
		l.blocks = append(l.blocks, b)
		i = len(l.blocks) - 1
		l.index[key] = i
		return &l.blocks[i]
	}
	b := &l.blocks[i]
	b.Body += delta
	return b
}

// --- Event fold ---------------------------------------------------------------

// Apply folds one block-affecting canonical event into the list and returns a
// short activity description, empty when the event produced no visible change.
// Non-block events (plan, usage, thread, session meta, notices) are handled by
// SessionTimeline and never reach here.
func (l *BlockList) Apply(ev Event) string {
	switch e := ev.(type) {
	case DeltaEvent:
		return l.applyDelta(e)
	case ItemEvent:
		return l.applyItem(e)
	case PromptEvent:
		key := "prompt:" + l.ids.Next()
		l.Upsert(key, Block{
			Kind:        KindStatus,
			Title:       "Prompt",
			Body:        e.Text,
			TimestampMs: e.TsMs,
		})
		return "prompt: " + summarize(e.Text)
	case ErrorEvent:
		key := "error:" + l.ids.Next()
		l.Upsert(key, Block{
			Kind:        KindError,
			Title:       "Error",
			Body:        e.Message,
			TimestampMs: e.TsMs,
		})
		return "error: " + summarize(e.Message)
	case RawTextEvent:
		key, title := "stdout", "stdout"
		if e.Stream == StreamError {
			key, title = "stderr", "stderr"
		}
		l.AppendLine(key, func() Block {
			return Block{Kind: KindEvent, Title: title, TimestampMs: e.TsMs}
		}, e.Text)
		return ""
	case UnknownEvent:
		key := "event:" + l.ids.Next()
		title := e.Label
		if title == "" {
			title = "event"
		}
		l.Upsert(key, Block{
			Kind:        KindEvent,
			Title:       title,
			Body:        e.Pretty,
			TimestampMs: e.TsMs,
		})
		return ""
	}
	return ""
}

func (l *BlockList) applyDelta(e DeltaEvent) string {
	key := itemKey(e.Kind, e.ItemID)
	switch e.Kind {
	case ItemAgentMessage:
		l.AppendDelta(key, func() Block {
			return Block{Kind: KindAssistant, Title: "Assistant", Status: BlockRunning, TimestampMs: e.TsMs}
		}, e.Delta)
	case ItemReasoning:
		l.AppendDelta(key, func() Block {
			return Block{Kind: KindThought, Title: "Thinking", Status: BlockRunning, TimestampMs: e.TsMs}
		}, e.Delta)
	case ItemCommandExecution:
		l.AppendDelta(key, func() Block {
			return Block{Kind: KindCommand, Title: "Command", Status: BlockRunning, TimestampMs: e.TsMs}
		}, e.Delta)
	default:
		return ""
	}
	if b, ok := l.Get(key); ok && b.TimestampMs < e.TsMs {
		i := l.index[key]
		l.blocks[i].TimestampMs = e.TsMs
	}
	return ""
}

func (l *BlockList) applyItem(e ItemEvent) string {
	it := e.Item
	id := it.ID
	if id == "" {
		// Items without a wire id (native rollout messages) cannot merge
		// across events; give them a unique key.
		id = l.ids.Next()
	}
	key := itemKey(it.Kind, id)

	patch := Block{TimestampMs: e.TsMs}
	var activity string

	switch it.Kind {
	case ItemAgentMessage:
		patch.Kind = KindAssistant
		patch.Title = "Assistant"
		patch.Body = it.Text
		activity = "assistant message"
	case ItemReasoning:
		patch.Kind = KindThought
		patch.Title = "Thinking"
		patch.Body = it.Text
		activity = "thinking"
	case ItemCommandExecution:
		patch.Kind = KindCommand
		patch.Title = "Command"
		patch.Subtitle = it.Command
		patch.Body = it.Output
		if it.Command != "" {
			activity = "$ " + summarize(it.Command)
		}
	case ItemFileChange:
		patch.Kind = KindEvent
		patch.Title = "File change"
		patch.Body = it.Text
		activity = "file change"
	case ItemMCPToolCall:
		patch.Kind = KindEvent
		patch.Title = "Tool call"
		patch.Subtitle = it.Command
		patch.Body = it.Output
		activity = "tool call"
	case ItemWebSearch:
		patch.Kind = KindEvent
		patch.Title = "Web search"
		patch.Body = it.Text
		activity = "web search"
	default:
		patch.Kind = KindEvent
		patch.Title = "Item"
		patch.Body = it.Text
	}

	patch.Status = itemBlockStatus(e.Phase, it)
	l.Upsert(key, patch)
	// Lifecycle markers are discrete transitions: surface the block at the
	// tail. Delta growth between markers leaves it in place.
	l.Promote(key)
	return activity
}

func itemBlockStatus(phase ItemPhase, it Item) BlockStatus {
	if phase == PhaseStarted {
		return BlockRunning
	}
	if it.Status == "failed" || (it.ExitCode != nil && *it.ExitCode != 0) {
		return BlockFailed
	}
	return BlockDone
}

// itemKey derives the stable merge key for an item id.
func itemKey(kind ItemKind, id string) string {
	switch kind {
	case ItemAgentMessage:
		return "assistant:" + id
	case ItemReasoning:
		return "thought:" + id
	case ItemCommandExecution:
		return "cmd:" + id
	default:
		return "item:" + id
	}
}

// summarize shortens text to a single activity-log line.
func summarize(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if r := []rune(s); len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return s
}
