package main

import (
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

func renderLaneTable(stats []jobs.LaneStats) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Lane", "Ready", "Leased", "Delayed", "Dead"})

	var total jobs.LaneStats
	for _, s := range stats {
		tw.AppendRow(table.Row{s.Lane, humanize.Comma(s.Ready), humanize.Comma(s.Leased), humanize.Comma(s.Delayed), humanize.Comma(s.Dead)})
		total.Ready += s.Ready
		total.Leased += s.Leased
		total.Delayed += s.Delayed
		total.Dead += s.Dead
	}
	tw.AppendFooter(table.Row{"Total", humanize.Comma(total.Ready), humanize.Comma(total.Leased), humanize.Comma(total.Delayed), humanize.Comma(total.Dead)})

	configs := []table.ColumnConfig{{Number: 1, Align: text.AlignLeft}}
	for i := 2; i <= 5; i++ {
		configs = append(configs, table.ColumnConfig{Number: i, Align: text.AlignRight, AlignFooter: text.AlignRight})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
