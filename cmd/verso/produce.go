package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/bobg/verso/producer"
)

type actor struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type movie struct {
	ID    int     `json:"id"`
	Title string  `json:"title"`
	Year  int     `json:"year"`
	Cast  []actor `json:"cast"`
}

var movies = []movie{
	{
		ID: 37, Title: "E.T. the Extra-Terrestrial", Year: 1982,
		Cast: []actor{{263, "Henry Thomas"}, {337, "Drew Barrymore"}},
	},
	{
		ID: 193, Title: "Firestarter", Year: 1984,
		Cast: []actor{{337, "Drew Barrymore"}},
	},
	{
		ID: 1987, Title: "Stranger Things Season 1", Year: 2016,
		Cast: []actor{{11, "Millie Bobby Brown"}, {953, "Gaten Matarazzo"}, {2777, "Finn Wolfhard"}, {3137, "Caleb McLaughlin"}},
	},
}

// monkey perturbs the dataset so that successive cycles produce new states.
type monkey struct {
	rng *rand.Rand
	ms  []movie
}

func newMonkey(seed int64) *monkey {
	ms := make([]movie, len(movies))
	copy(ms, movies)
	return &monkey{rng: rand.New(rand.NewSource(seed)), ms: ms}
}

func (m *monkey) mischief() []movie {
	i := m.rng.Intn(len(m.ms))
	switch m.rng.Intn(3) {
	case 0:
		m.ms[i].Year++
	case 1:
		m.ms[i].Title = fmt.Sprintf("%s (Remastered %d)", movies[i].Title, m.rng.Intn(100))
	default:
		m.ms[i].Title = movies[i].Title
		m.ms[i].Year = movies[i].Year
	}
	return m.ms
}

func populate(ms func() []movie) producer.Populator {
	return func(_ context.Context, ws producer.WriteState) error {
		for _, m := range ms() {
			if err := ws.Add(fmt.Sprintf("movie:%d", m.ID), m); err != nil {
				return errors.Wrapf(err, "adding movie %d", m.ID)
			}
		}
		return nil
	}
}

// produce runs publication cycles in the namespace named by its argument,
// or by -ns, or by the config file.
func (c maincmd) produce(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		ns       = c.namespace(fs)
		once     = fs.Bool("once", false, "run a single cycle and exit")
		chaos    = fs.Bool("monkey", false, "change the dataset randomly on each cycle")
		seed     = fs.Int64("seed", 1, "random seed for -monkey")
		between  = fs.Int("snapshot-every", 1, "publish a snapshot every N states")
		interval = fs.Duration("interval", c.conf.MinInterval, "minimum time between cycle starts")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *between < 1 {
		return errors.New("-snapshot-every must be at least 1")
	}
	switch fs.NArg() {
	case 0:
	case 1:
		*ns = fs.Arg(0)
	default:
		return errors.New("usage: produce [flags] [NAMESPACE]")
	}

	p := producer.New(c.objs, c.ptrs, *ns, producer.WithStatesBetweenSnapshots(*between-1))
	s := producer.NewScheduler(p, producer.WithMinInterval(*interval))

	if err = s.Restore(ctx, c.ptrs, *ns); err != nil {
		return errors.Wrapf(err, "restoring %s", *ns)
	}

	ms := func() []movie { return movies }
	if *chaos {
		ms = newMonkey(*seed).mischief
	}

	if *once {
		v, changed, err := s.RunCycle(ctx, populate(ms))
		if err != nil {
			return err
		}
		if changed {
			fmt.Printf("published version %d\n", v)
		} else {
			fmt.Printf("no changes, version remains %d\n", v)
		}
		return nil
	}

	return s.RunForever(ctx, populate(ms))
}
