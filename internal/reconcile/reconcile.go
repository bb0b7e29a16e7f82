package reconcile

import (
	"strings"

	"casebridge/internal/loopguard"
	"casebridge/internal/models"
)

// 评论与附件的调和：计算一侧存在而另一侧缺失的子集。
// 两边系统不共享评论标识空间，只能按正文判等；附件按文件名判等。
// 结果保持源侧顺序。对当前状态重新 diff 即天然幂等，单条失败留给下个周期补偿。

// Comments 计算 source 中尚未出现在 target 的评论。
// targetOrigin 是目标系统的回环防护：源侧携带目标系统标记的评论
// 本就来自目标系统，跳过，不回灌。
func Comments(source, target []models.Comment, targetOrigin *loopguard.Guard) []models.Comment {
	targetBodies := make([]string, 0, len(target))
	for _, c := range target {
		targetBodies = append(targetBodies, loopguard.Normalize(c.Body))
	}

	var missing []models.Comment
	for _, c := range source {
		if targetOrigin != nil && targetOrigin.IsSynthetic(c.Body) {
			continue
		}
		body := loopguard.Normalize(c.Body)
		if body == "" {
			continue
		}
		found := false
		for _, tb := range targetBodies {
			if tb == body {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, c)
		}
	}
	return missing
}

// Attachments 计算 source 中目标侧缺失的附件。判等规则是文件名相等，
// 不做内容寻址。
func Attachments(source, target []models.Attachment) []models.Attachment {
	var missing []models.Attachment
	for _, a := range source {
		if a.Filename == "" {
			continue
		}
		found := false
		for _, t := range target {
			if t.Filename == a.Filename {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, a)
		}
	}
	return missing
}

// Watchers 计算 source 中目标侧缺失的关注人，邮箱不区分大小写。
// 对称方向调换实参即可。
func Watchers(source, target []models.Watcher) []models.Watcher {
	targetEmails := make(map[string]bool, len(target))
	for _, w := range target {
		if w.Email != "" {
			targetEmails[strings.ToLower(w.Email)] = true
		}
	}

	var missing []models.Watcher
	for _, w := range source {
		if w.Email == "" {
			continue
		}
		if !targetEmails[strings.ToLower(w.Email)] {
			missing = append(missing, w)
		}
	}
	return missing
}
